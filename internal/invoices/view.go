package invoices

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// FilterMode narrows the validation queue.
type FilterMode string

const (
	FilterAll      FilterMode = "all"
	FilterReview   FilterMode = "review"
	FilterApproved FilterMode = "approved"
)

// ParseFilterMode accepts the UI labels as well as the lowercase keys.
func ParseFilterMode(v string) FilterMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "review", "needs review":
		return FilterReview
	case "approved":
		return FilterApproved
	default:
		return FilterAll
	}
}

// Filter selects and searches the cached invoices.
type Filter struct {
	Mode   FilterMode
	Search string
}

// Apply filters list and orders it by status rank. The input is not modified.
func (f Filter) Apply(list []Invoice) []Invoice {
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(f.Search))
	out := make([]Invoice, 0, len(list))
	for _, inv := range list {
		switch f.Mode {
		case FilterReview:
			if inv.Status != StatusNeedsReview {
				continue
			}
		case FilterApproved:
			if inv.Status != StatusApproved {
				continue
			}
		}
		if needle != "" && !matches(fold, needle, inv) {
			continue
		}
		out = append(out, inv.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return statusRank(out[i].Status) < statusRank(out[j].Status)
	})
	return out
}

func matches(fold cases.Caser, needle string, inv Invoice) bool {
	for _, field := range []string{stringOrEmpty(inv.InvoiceNumber), stringOrEmpty(inv.PONumber), inv.VendorName()} {
		if field != "" && strings.Contains(fold.String(field), needle) {
			return true
		}
	}
	return false
}

func statusRank(s Status) int {
	switch s {
	case StatusApproved:
		return 1
	case StatusNeedsReview, StatusPending:
		return 2
	case StatusLoading, StatusInProgress:
		return 3
	case StatusError:
		return 4
	default:
		return 5
	}
}

// Progress is the completion percentage shown next to a status.
func Progress(s Status) int {
	switch s {
	case StatusApproved, StatusError:
		return 100
	case StatusNeedsReview:
		return 50
	case StatusPending:
		return 25
	default:
		return 0
	}
}

var pdfNamePattern = regexp.MustCompile(`(?i)^(.*?_\d+)(?:_|\.).*?\.pdf$`)

// FormattedFileName turns a stored PDF path into the display name, keeping
// the prefix up to the first numeric segment.
func FormattedFileName(pdfPath string) string {
	if pdfPath == "" {
		return ""
	}
	name := pdfPath
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	if m := pdfNamePattern.FindStringSubmatch(name); m != nil {
		return m[1] + ".PDF"
	}
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return name[:len(name)-len(".pdf")] + ".PDF"
	}
	return name
}

// ShortFileName is the part of the display name before the first underscore.
func ShortFileName(pdfPath string) string {
	name := FormattedFileName(pdfPath)
	if i := strings.Index(name, "_"); i >= 0 {
		return name[:i]
	}
	return name
}
