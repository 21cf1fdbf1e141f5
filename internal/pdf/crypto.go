package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrPasswordRequired is returned for password-protected documents. Protected
// input is rejected outright; no password is ever requested.
var ErrPasswordRequired = errors.New("document is password protected")

// IsEncrypted checks if a PDF file is encrypted/password-protected. Files
// encrypted with an empty user password count as encrypted too.
func IsEncrypted(filename string) (bool, error) {
	data, err := os.ReadFile(filename) //nolint:gosec // G304: Reading user-provided PDF file path is expected
	if err != nil {
		return false, fmt.Errorf("failed to check PDF encryption status: %w", err)
	}
	return isEncrypted(bytes.NewReader(data))
}

func isEncrypted(rs io.ReadSeeker) (bool, error) {
	ctx, err := api.ReadContext(rs, newConfiguration())
	if err != nil {
		if IsPasswordError(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to check PDF encryption status: %w", err)
	}
	return ctx.Encrypt != nil, nil
}

// IsPasswordError checks if an error is related to password/encryption issues.
func IsPasswordError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPasswordRequired) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	passwordKeywords := []string{
		"password",
		"encrypted",
		"decrypt",
		"authentication",
		"unauthorized",
		"invalid credentials",
	}

	for _, keyword := range passwordKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}

	return false
}

func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
