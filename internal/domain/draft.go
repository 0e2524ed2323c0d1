package domain

import (
	"strings"
	"time"
)

// Draft is the user's in-progress post before submission.
type Draft struct {
	// Text is the body typed by the user.
	Text string `json:"text"`

	// URL is an optional link attached to the post. When it is not already
	// part of Text it is appended on submit and rendered as a link card.
	URL string `json:"url,omitempty"`
}

// IsEmpty reports whether the draft carries neither text nor a link.
func (d Draft) IsEmpty() bool {
	return d.Text == "" && d.URL == ""
}

// LinkPreview is the metadata used to render a link card.
type LinkPreview struct {
	// URL is the address the preview was fetched for.
	URL string `json:"url"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	// ImageURL points at the card thumbnail, if the page advertises one.
	ImageURL string `json:"image_url,omitempty"`
}

// HasTitle reports whether the preview is usable as an embed.
func (p *LinkPreview) HasTitle() bool {
	return p != nil && strings.TrimSpace(p.Title) != ""
}

// External is the link card attached to an outgoing post.
type External struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url,omitempty"`
}

// Post is the payload handed to the posting collaborator.
type Post struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Embed     *External `json:"embed,omitempty"`
}

// PostReceipt identifies a published post.
type PostReceipt struct {
	// URI is the at:// record URI returned by the network.
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`

	// WebURL is the public link to the post.
	WebURL string `json:"web_url"`
}
