// Package pdf reads, annotates and writes PDF documents with pdfcpu.
package pdf

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidPageSelector is wrapped by every ParsePages error.
var ErrInvalidPageSelector = errors.New("invalid page selector")

// ParsePages resolves a page selector against a document of total pages.
//
// The selector is a comma-separated list of 1-based page numbers and
// inclusive ranges such as "1-3,5,10-12". An empty selector or "all" (any
// case) selects every page. The result is 0-based, deduplicated, sorted and
// limited to [0, total); pages outside the document are dropped silently, so
// the result may be empty.
func ParsePages(selector string, total int) ([]int, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || strings.EqualFold(selector, "all") {
		all := make([]int, max(total, 0))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end, err := parseRangeToken(part)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidPageSelector, selector, err)
		}
		// Only the intersection with the document matters.
		start = max(start, 1)
		end = min(end, total)
		for p := start; p <= end; p++ {
			seen[p-1] = struct{}{}
		}
	}

	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

// parseRangeToken parses either a single page token (e.g., "3") or a range
// token (e.g., "1-5") into an inclusive 1-based range.
func parseRangeToken(part string) (int, int, error) {
	if strings.Contains(part, "-") {
		rangeParts := strings.Split(part, "-")
		if len(rangeParts) != 2 {
			return 0, 0, fmt.Errorf("invalid range format: %s", part)
		}
		start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid start page: %s", rangeParts[0])
		}
		end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid end page: %s", rangeParts[1])
		}
		if start > end {
			return 0, 0, fmt.Errorf("start page %d greater than end page %d", start, end)
		}
		return start, end, nil
	}
	page, err := strconv.Atoi(part)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid page number: %s", part)
	}
	return page, page, nil
}

// FormatPages renders 0-based page indices as a 1-based comma-separated list.
func FormatPages(pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p + 1)
	}
	return strings.Join(parts, ", ")
}
