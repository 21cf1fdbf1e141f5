// Package report formats the codes found during a run as JSON, CSV, YAML or
// plain text.
package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/qranno/internal/export"
	"github.com/MeKo-Tech/qranno/internal/geometry"
	"github.com/MeKo-Tech/qranno/internal/layout"
	"gopkg.in/yaml.v3"
)

// Supported report formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatYAML = "yaml"
	FormatText = "text"
)

// ErrUnknownFormat is returned for formats not listed by Formats.
var ErrUnknownFormat = errors.New("unknown report format")

// Formats lists the supported report formats.
func Formats() []string {
	return []string{FormatJSON, FormatCSV, FormatYAML, FormatText}
}

// Item describes one numbered call-out.
type Item struct {
	Index int    `json:"index" yaml:"index"`
	Page  int    `json:"page" yaml:"page"` // 1-based
	Text  string `json:"text" yaml:"text"`
	Link  bool   `json:"link" yaml:"link"`
	// Envelope is nil when the call-out could not be drawn.
	Envelope *geometry.Rect `json:"envelope,omitempty" yaml:"envelope,omitempty"`
}

// Report is the document-level view of a finished run.
type Report struct {
	Source       string `json:"source" yaml:"source"`
	Pages        []int  `json:"pages" yaml:"pages"` // processed pages, 1-based
	Total        int    `json:"total" yaml:"total"`
	SummaryPages int    `json:"summary_pages" yaml:"summary_pages"`
	Items        []Item `json:"items" yaml:"items"`
}

// New builds a report from an export result. pages holds the processed
// 0-based page indices.
func New(source string, pages []int, res *export.Result) *Report {
	r := &Report{Source: source, Pages: make([]int, len(pages)), Items: []Item{}}
	for i, p := range pages {
		r.Pages[i] = p + 1
	}
	if res == nil {
		return r
	}
	r.SummaryPages = res.SummaryPages

	// Entries and call-outs are appended in lockstep by the exporter.
	for i, entry := range res.Entries {
		item := Item{Index: entry.Index, Text: entry.Text, Link: layout.IsLink(entry.Text)}
		if i < len(res.Callouts) {
			c := res.Callouts[i]
			item.Page = c.Page + 1
			if !c.Skipped {
				env := c.Plan.Envelope
				item.Envelope = &env
			}
		}
		r.Items = append(r.Items, item)
	}
	r.Total = len(r.Items)
	return r
}

// Format renders the report in the given format.
func Format(r *Report, format string) (string, error) {
	if r == nil {
		return "", errors.New("nil report")
	}
	switch strings.ToLower(format) {
	case FormatJSON, "":
		return formatJSON(r)
	case FormatCSV:
		return formatCSV(r)
	case FormatYAML, "yml":
		return formatYAML(r)
	case FormatText, "txt":
		return formatText(r), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// Write renders the report to w.
func Write(w io.Writer, r *Report, format string) error {
	s, err := Format(r, format)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}

// ContentType returns the MIME type of a format.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatYAML, "yml":
		return "application/yaml"
	case FormatText, "txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

func formatJSON(r *Report) (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatYAML(r *Report) (string, error) {
	b, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal yaml: %w", err)
	}
	return string(b), nil
}

func formatCSV(r *Report) (string, error) {
	var output strings.Builder
	writer := csv.NewWriter(&output)
	if err := writer.Write([]string{"index", "page", "text", "link", "x0", "y0", "x1", "y1"}); err != nil {
		return "", err
	}
	for _, it := range r.Items {
		row := []string{
			strconv.Itoa(it.Index),
			strconv.Itoa(it.Page),
			it.Text,
			strconv.FormatBool(it.Link),
			"", "", "", "",
		}
		if it.Envelope != nil {
			row[4] = fmt.Sprintf("%.2f", it.Envelope.X0)
			row[5] = fmt.Sprintf("%.2f", it.Envelope.Y0)
			row[6] = fmt.Sprintf("%.2f", it.Envelope.X1)
			row[7] = fmt.Sprintf("%.2f", it.Envelope.Y1)
		}
		if err := writer.Write(row); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return output.String(), nil
}

// formatText mirrors the summary pages: one "#n: text" entry per code.
func formatText(r *Report) string {
	var output strings.Builder
	if r.Source != "" {
		output.WriteString(fmt.Sprintf("# %s\n", r.Source))
	}
	output.WriteString(fmt.Sprintf("Total: %d\n", r.Total))
	for _, it := range r.Items {
		output.WriteString(fmt.Sprintf("#%d: %s (page %d)\n", it.Index, it.Text, it.Page))
	}
	return output.String()
}
