package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/MeKo-Tech/qranno/internal/testutil"
)

// harness is a server wired to fake collaborators.
type harness struct {
	server    *Server
	decoder   *testutil.FakeDecoder
	doc       *testutil.FakeDocument
	uploads   string
	protected bool
}

func newHarness(t *testing.T, pages int) *harness {
	t.Helper()
	h := &harness{
		decoder: &testutil.FakeDecoder{Detections: map[int][]barcode.Detection{}},
		doc:     testutil.NewFakeDocument(pages, 595, 842),
		uploads: t.TempDir(),
	}
	builder := pipeline.NewBuilder().
		WithSourceOpener(&testutil.FakeOpener{Source: testutil.NewFakeSource(pages)}).
		WithDecoder(h.decoder).
		WithDocumentOpener(testutil.FakeDocumentOpener(h.doc)).
		WithProtectionCheck(func(string) (bool, error) { return h.protected, nil })

	s, err := NewServer(Config{
		CORSOrigin:  "*",
		MaxUploadMB: 1,
		Scale:       2,
		UploadDir:   h.uploads,
	}, builder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.server = s
	return h
}

// do runs one request through the full route table.
func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, path, nil))
}

// wait blocks until the current job has finished and its upload is removed.
func (h *harness) wait(t *testing.T) pipeline.Outcome {
	t.Helper()
	up := h.server.currentUpload()
	require.NotNil(t, up)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	out, err := up.job.Wait(ctx)
	require.NoError(t, err)
	h.server.tracking.Wait()
	return out
}

func (h *harness) uploadCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.uploads)
	require.NoError(t, err)
	return len(entries)
}

// uploadRequest builds a multipart POST /jobs request.
func uploadRequest(t *testing.T, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if data != nil {
		fw, err := mw.CreateFormFile("file", "input.pdf")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
