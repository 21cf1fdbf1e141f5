package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/font"
	"golang.org/x/image/font/sfnt"
)

// FallbackUnicodeFont is the TrueType font pdfcpu installs into its
// configuration directory. It covers Latin, Greek and Cyrillic; register a
// font with RegisterFont for other scripts.
const FallbackUnicodeFont = "Roboto-Regular"

var (
	fontsOnce   sync.Once
	fontMu      sync.RWMutex
	unicodeName string
)

// initFonts makes pdfcpu set up its user font directory and load the fonts
// installed there.
func initFonts() {
	fontsOnce.Do(func() { _ = newConfiguration() })
}

// RegisterFont installs the TrueType font at path into pdfcpu's user font
// directory and selects it for text that WinAnsiEncoding cannot represent.
// It returns the font's PostScript name.
func RegisterFont(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: font path is user configuration
	if err != nil {
		return "", fmt.Errorf("read font: %w", err)
	}
	f, err := sfnt.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse font %s: %w", path, err)
	}
	name, err := f.Name(nil, sfnt.NameIDPostScript)
	if err != nil {
		return "", fmt.Errorf("font %s has no PostScript name: %w", path, err)
	}

	initFonts()
	fontMu.Lock()
	defer fontMu.Unlock()

	if font.UserFontDir == "" {
		dir := filepath.Join(os.TempDir(), "qranno-fonts")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("font directory: %w", err)
		}
		font.UserFontDir = dir
	}
	if !font.IsUserFont(name) {
		if err := font.InstallFontFromBytes(font.UserFontDir, filepath.Base(path), data); err != nil {
			return "", fmt.Errorf("install font %s: %w", path, err)
		}
		if err := font.LoadUserFonts(); err != nil {
			return "", fmt.Errorf("load fonts: %w", err)
		}
	}
	if !font.IsUserFont(name) {
		return "", fmt.Errorf("font %s did not install as %q", path, name)
	}
	unicodeName = name
	return name, nil
}

// UnicodeFont returns the font used for text outside WinAnsiEncoding: the
// registered font, else FallbackUnicodeFont when pdfcpu has it installed.
// It is empty when neither is available.
func UnicodeFont() string {
	initFonts()
	fontMu.RLock()
	defer fontMu.RUnlock()
	if unicodeName != "" {
		return unicodeName
	}
	if font.IsUserFont(FallbackUnicodeFont) {
		return FallbackUnicodeFont
	}
	return ""
}

// textFont picks the font that sets text: fontName when the text encodes
// in WinAnsiEncoding, otherwise the Unicode font if there is one.
func textFont(text, fontName string) (string, bool) {
	if isWinAnsi(text) || !font.IsCoreFont(fontName) {
		return fontName, false
	}
	if uni := UnicodeFont(); uni != "" {
		return uni, true
	}
	return fontName, false
}
