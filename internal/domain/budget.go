package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxPostLength is the character limit enforced by the network.
	MaxPostLength = 300

	// ShortURLLength is what an attached link costs once the network shortens it.
	ShortURLLength = 23

	// ParagraphSeparator joins the text and an appended link.
	ParagraphSeparator = "\n\n"
)

// Budget is the character accounting for a draft. It is derived, never stored.
type Budget struct {
	RawLength   int  `json:"raw_length"`
	URLOverhead int  `json:"url_overhead"`
	Total       int  `json:"total"`
	Remaining   int  `json:"remaining"`
	OverLimit   bool `json:"over_limit"`
}

// ComputeBudget counts the characters a post made from text and an attached
// url will use. The url adds nothing when it already appears verbatim in text.
func ComputeBudget(text, url string) Budget {
	b := Budget{RawLength: utf8.RuneCountInString(text)}
	if appendsURL(text, url) {
		b.URLOverhead = ShortURLLength
		if strings.TrimSpace(text) != "" {
			b.URLOverhead += utf8.RuneCountInString(ParagraphSeparator)
		}
	}
	b.Total = b.RawLength + b.URLOverhead
	b.Remaining = MaxPostLength - b.Total
	b.OverLimit = b.Remaining < 0
	return b
}

// Budget returns the character accounting for the draft.
func (d Draft) Budget() Budget {
	return ComputeBudget(d.Text, d.URL)
}

// CanSubmit reports whether the draft passes local validation.
func (d Draft) CanSubmit() bool {
	return d.Validate() == nil
}

// appendsURL reports whether url has to be appended to text on submit.
func appendsURL(text, url string) bool {
	return url != "" && !strings.Contains(text, url)
}
