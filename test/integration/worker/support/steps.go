package support

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/qranno/internal/pdf"
	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/MeKo-Tech/qranno/internal/summary"
	"github.com/MeKo-Tech/qranno/internal/testutil"
	"github.com/cucumber/godog"
)

const runTimeout = 10 * time.Second

// RegisterSteps registers every step of the suite.
func (testCtx *TestContext) RegisterSteps(sc *godog.ScenarioContext) {
	// Document setup
	sc.Step(`^a (\d+)-page document$`, testCtx.aDocument)
	sc.Step(`^page (\d+) contains a QR code "([^"]*)"$`, testCtx.pageContainsCode)
	sc.Step(`^page (\d+) contains (\d+) QR codes with long payloads$`, testCtx.pageContainsLongCodes)
	sc.Step(`^the document is password protected$`, testCtx.theDocumentIsProtected)
	sc.Step(`^the run is cancelled after (\d+) pages?$`, testCtx.cancelAfter)

	// Running
	sc.Step(`^I start a run$`, func() error { return testCtx.startRun("") })
	sc.Step(`^I start a run with pages "([^"]*)"$`, testCtx.startRun)
	sc.Step(`^the run finishes$`, testCtx.theRunFinishes)

	// Outcome
	sc.Step(`^the run is "(\w+)"$`, testCtx.theRunIs)
	sc.Step(`^the run is rejected as "([^"]*)"$`, testCtx.theRunIsRejected)
	sc.Step(`^(\d+) pages? (?:were|was) processed$`, testCtx.pagesWereProcessed)
	sc.Step(`^the processed pages are "([^"]*)"$`, testCtx.theProcessedPagesAre)
	sc.Step(`^no output is produced$`, testCtx.noOutput)
	sc.Step(`^an output is produced$`, testCtx.anOutput)
	sc.Step(`^the last progress update is (\d+)%$`, testCtx.lastProgress)
	sc.Step(`^the listener received the finished event once$`, testCtx.finishedOnce)
	sc.Step(`^a log line "([^"]*)" was received$`, testCtx.logReceived)

	// Summary
	sc.Step(`^(\d+) summary pages? (?:were|was) appended$`, testCtx.summaryPagesAppended)
	sc.Step(`^more than (\d+) summary pages? (?:were|was) appended$`, testCtx.moreSummaryPagesAppended)
	sc.Step(`^every summary page has the title and a rule$`, testCtx.everySummaryPageHasTitleAndRule)
	sc.Step(`^the summary lists (\d+) entries in order$`, testCtx.summaryListsEntries)

	// Page selectors
	sc.Step(`^the selector "([^"]*)" is parsed for (\d+) pages$`, testCtx.parseSelector)
	sc.Step(`^the selected pages format as "([^"]*)"$`, testCtx.selectedPagesFormatAs)
	sc.Step(`^the selector is rejected$`, testCtx.selectorRejected)
}

func (testCtx *TestContext) aDocument(pages int) error {
	testCtx.Source = testutil.NewFakeSource(pages)
	testCtx.Document = testutil.NewFakeDocument(pages, testCtx.Source.Width, testCtx.Source.Height)
	return nil
}

func (testCtx *TestContext) pageContainsCode(page int, text string) error {
	idx := page - 1
	n := len(testCtx.Detections[idx])
	testCtx.Detections[idx] = append(testCtx.Detections[idx], testutil.Square(text, 60+float64(n)*90, 80, 60))
	return nil
}

func (testCtx *TestContext) pageContainsLongCodes(page, count int) error {
	idx := page - 1
	for i := 0; i < count; i++ {
		text := fmt.Sprintf("https://example.com/%03d/%s", i, strings.Repeat("segment/", 12))
		x := 20 + float64(i%20)*28
		y := 20 + float64(i/20)*70
		testCtx.Detections[idx] = append(testCtx.Detections[idx], testutil.Square(text, x, y, 20))
	}
	return nil
}

func (testCtx *TestContext) theDocumentIsProtected() error {
	testCtx.Protected = true
	return nil
}

func (testCtx *TestContext) cancelAfter(pages int) error {
	testCtx.CancelAfter = pages
	return nil
}

func (testCtx *TestContext) startRun(pages string) error {
	if testCtx.Source == nil {
		return errors.New("no document configured")
	}
	decoder := &testutil.FakeDecoder{Detections: testCtx.Detections}
	if testCtx.CancelAfter > 0 {
		decoder.AfterDecode = func(call, _ int) {
			if call == testCtx.CancelAfter {
				testCtx.Worker.Cancel()
			}
		}
	}

	w, err := pipeline.NewBuilder().
		WithSourceOpener(&testutil.FakeOpener{Source: testCtx.Source}).
		WithDecoder(decoder).
		WithDocumentOpener(testutil.FakeDocumentOpener(testCtx.Document)).
		WithProtectionCheck(func(string) (bool, error) { return testCtx.Protected, nil }).
		WithListener(testCtx.Events.Listener()).
		Build()
	if err != nil {
		return err
	}
	testCtx.Worker = w

	job, started, err := w.Start(pipeline.Request{Path: testCtx.Input, Pages: pages, Scale: 2})
	if err != nil {
		testCtx.StartErr = err
		return nil
	}
	if !started {
		return errors.New("run did not start")
	}
	testCtx.Job = job
	return nil
}

func (testCtx *TestContext) theRunFinishes() error {
	if testCtx.Job == nil {
		return fmt.Errorf("no run was started (start error: %v)", testCtx.StartErr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	out, err := testCtx.Job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("run did not finish: %w", err)
	}
	testCtx.Outcome = out
	return nil
}

func (testCtx *TestContext) theRunIs(state string) error {
	if got := testCtx.Outcome.State.String(); got != state {
		return fmt.Errorf("expected run to be %s, got %s (error: %v)", state, got, testCtx.Outcome.Err)
	}
	if got := testCtx.Worker.State().String(); got != state {
		return fmt.Errorf("expected worker state %s, got %s", state, got)
	}
	return nil
}

func (testCtx *TestContext) theRunIsRejected(kind string) error {
	var want error
	switch kind {
	case "invalid input":
		want = pipeline.ErrInvalidInput
	case "password required":
		want = pipeline.ErrPasswordRequired
	default:
		return fmt.Errorf("unknown rejection %q", kind)
	}
	if !errors.Is(testCtx.StartErr, want) {
		return fmt.Errorf("expected %v, got %v", want, testCtx.StartErr)
	}
	if testCtx.Worker.State() != pipeline.StateIdle {
		return fmt.Errorf("rejected start changed the state to %s", testCtx.Worker.State())
	}
	return nil
}

func (testCtx *TestContext) pagesWereProcessed(n int) error {
	if got := len(testCtx.Outcome.Result.Pages); got != n {
		return fmt.Errorf("expected %d processed pages, got %d", n, got)
	}
	if got := len(testCtx.Source.Rendered()); got != n {
		return fmt.Errorf("expected %d rendered pages, got %d", n, got)
	}
	return nil
}

func (testCtx *TestContext) theProcessedPagesAre(selector string) error {
	if got := pdf.FormatPages(testCtx.Job.Pages()); got != selector {
		return fmt.Errorf("expected pages %q, got %q", selector, got)
	}
	return nil
}

func (testCtx *TestContext) noOutput() error {
	if testCtx.Outcome.Output != nil {
		return fmt.Errorf("expected no output, got %d bytes", len(testCtx.Outcome.Output))
	}
	if n := len(testCtx.Document.Ops("bytes")); n != 0 {
		return fmt.Errorf("document was serialized %d times", n)
	}
	return nil
}

func (testCtx *TestContext) anOutput() error {
	if len(testCtx.Outcome.Output) == 0 {
		return errors.New("expected an output document")
	}
	return nil
}

func (testCtx *TestContext) lastProgress(pct int) error {
	progress := testCtx.Events.Progress()
	if len(progress) == 0 {
		return errors.New("no progress updates received")
	}
	if last := progress[len(progress)-1]; int(last+0.5) != pct {
		return fmt.Errorf("expected last progress %d%%, got %.1f%%", pct, last)
	}
	return nil
}

func (testCtx *TestContext) finishedOnce() error {
	if n := testCtx.Events.Finished(); n != 1 {
		return fmt.Errorf("expected one finished event, got %d", n)
	}
	return nil
}

func (testCtx *TestContext) logReceived(line string) error {
	logs := testCtx.Events.Logs()
	if !slices.Contains(logs, line) {
		return fmt.Errorf("log line %q not received; got %q", line, logs)
	}
	return nil
}

// appendedPages returns the indices of pages appended to the document.
func (testCtx *TestContext) appendedPages() []int {
	var pages []int
	for i := range testCtx.Document.Ops("append") {
		pages = append(pages, testCtx.Source.Pages+i)
	}
	return pages
}

func (testCtx *TestContext) summaryPagesAppended(n int) error {
	if got := len(testCtx.appendedPages()); got != n {
		return fmt.Errorf("expected %d summary pages, got %d", n, got)
	}
	if testCtx.Outcome.Export != nil && testCtx.Outcome.Export.SummaryPages != n {
		return fmt.Errorf("export reports %d summary pages, want %d", testCtx.Outcome.Export.SummaryPages, n)
	}
	return nil
}

func (testCtx *TestContext) moreSummaryPagesAppended(n int) error {
	if got := len(testCtx.appendedPages()); got <= n {
		return fmt.Errorf("expected more than %d summary pages, got %d", n, got)
	}
	return nil
}

func (testCtx *TestContext) everySummaryPageHasTitleAndRule() error {
	texts := testCtx.Document.Ops("text")
	rules := testCtx.Document.Ops("rule")
	for _, page := range testCtx.appendedPages() {
		hasTitle := slices.ContainsFunc(texts, func(c testutil.DocCall) bool {
			return c.Page == page && c.Text == summary.DefaultTitle
		})
		if !hasTitle {
			return fmt.Errorf("summary page %d has no title", page+1)
		}
		n := 0
		for _, r := range rules {
			if r.Page == page {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("summary page %d has %d rules, want 1", page+1, n)
		}
	}
	return nil
}

func (testCtx *TestContext) summaryListsEntries(n int) error {
	var order []int
	for _, c := range testCtx.Document.Ops("text") {
		var idx int
		if _, err := fmt.Sscanf(c.Text, "#%d:", &idx); err == nil {
			order = append(order, idx)
		}
	}
	if len(order) != n {
		return fmt.Errorf("expected %d listed entries, got %d", n, len(order))
	}
	for i, idx := range order {
		if idx != i+1 {
			return fmt.Errorf("entry %d is numbered #%d", i+1, idx)
		}
	}
	return nil
}

func (testCtx *TestContext) parseSelector(selector string, total int) error {
	testCtx.ParsedPages, testCtx.ParseErr = pdf.ParsePages(selector, total)
	return nil
}

func (testCtx *TestContext) selectedPagesFormatAs(want string) error {
	if testCtx.ParseErr != nil {
		return fmt.Errorf("selector was rejected: %w", testCtx.ParseErr)
	}
	if got := pdf.FormatPages(testCtx.ParsedPages); got != want {
		return fmt.Errorf("expected %q, got %q", want, got)
	}
	// Formatting is stable: the formatted selector selects the same pages.
	again, err := pdf.ParsePages(want, maxPage(testCtx.ParsedPages)+1)
	if err != nil {
		return fmt.Errorf("formatted selector %q does not parse: %w", want, err)
	}
	if !slices.Equal(again, testCtx.ParsedPages) {
		return fmt.Errorf("round trip changed pages: %v != %v", again, testCtx.ParsedPages)
	}
	return nil
}

func (testCtx *TestContext) selectorRejected() error {
	if testCtx.ParseErr == nil {
		return fmt.Errorf("expected the selector to be rejected, got %v", testCtx.ParsedPages)
	}
	return nil
}

func maxPage(pages []int) int {
	m := 0
	for _, p := range pages {
		m = max(m, p)
	}
	return m
}
