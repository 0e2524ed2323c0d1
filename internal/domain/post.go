package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrEmptyPost is returned when the draft has no non-whitespace text.
	ErrEmptyPost = errors.New("post text is empty")

	// ErrOverLimit is returned when the draft exceeds MaxPostLength.
	ErrOverLimit = errors.New("post exceeds the character limit")
)

// Validate checks the draft against the local submission rules.
// Emptiness is checked first so an empty draft never reports over-limit.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Text) == "" {
		return ErrEmptyPost
	}
	if d.Budget().OverLimit {
		return ErrOverLimit
	}
	return nil
}

// BuildPost assembles the outgoing post for a draft. The link is appended to
// the text after a paragraph separator unless the text already contains it,
// and an embed is attached only when preview carries a title.
func BuildPost(d Draft, preview *LinkPreview, now time.Time) Post {
	post := Post{
		Text:      d.Text,
		CreatedAt: now.UTC(),
	}

	if appendsURL(d.Text, d.URL) {
		text := strings.TrimSpace(d.Text)
		if text != "" {
			text += ParagraphSeparator
		}
		post.Text = text + d.URL
	}

	if d.URL != "" && preview.HasTitle() {
		post.Embed = &External{
			URI:         d.URL,
			Title:       preview.Title,
			Description: preview.Description,
			ImageURL:    preview.ImageURL,
		}
	}

	return post
}
