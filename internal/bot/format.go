package bot

import (
	"fmt"
	"strings"

	"skycomposer/internal/composer"
	"skycomposer/internal/domain"
)

const welcomeMessage = `Welcome to SkyComposer! Compose a Bluesky post here.

Send any text to set your draft.
/link <url> attaches a link (a preview card is fetched)
/unlink removes it
/status shows the draft and character count
/clear empties the draft
/post publishes it
/login <handle-or-email> <app-password> connects your account
/logout disconnects it`

// command is a parsed slash command.
type command struct {
	Name string
	Args []string
}

// Arg returns the first argument, or "".
func (c command) Arg() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// parseCommand splits "/name@bot arg1 arg2" into its parts.
func parseCommand(text string) (command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return command{}, false
	}
	return command{Name: strings.ToLower(name), Args: fields[1:]}, true
}

// formatBudget renders the character counter.
func formatBudget(b domain.Budget) string {
	remaining := b.Remaining
	if remaining < 0 {
		remaining = 0
	}
	s := fmt.Sprintf("%d/%d (%d remaining)", b.Total, domain.MaxPostLength, remaining)
	if b.OverLimit {
		s += fmt.Sprintf(" - %d over the limit!", -b.Remaining)
	}
	return s
}

func formatPreview(p *domain.LinkPreview) string {
	var sb strings.Builder
	sb.WriteString("Link preview:\n")
	if p.Title != "" {
		sb.WriteString(p.Title)
		sb.WriteString("\n")
	}
	if p.Description != "" {
		sb.WriteString(p.Description)
		sb.WriteString("\n")
	}
	sb.WriteString(p.URL)
	return sb.String()
}

func formatStatus(st composer.State, handle string) string {
	var sb strings.Builder

	if handle != "" {
		fmt.Fprintf(&sb, "Logged in as: %s\n", handle)
	} else {
		sb.WriteString("Not logged in. Use /login to connect your account.\n")
	}

	if strings.TrimSpace(st.Draft.Text) == "" {
		sb.WriteString("\nDraft: (empty)\n")
	} else {
		fmt.Fprintf(&sb, "\nDraft:\n%s\n", st.Draft.Text)
	}
	if st.Draft.URL != "" {
		fmt.Fprintf(&sb, "Link: %s\n", st.Draft.URL)
	}

	switch {
	case st.Loading:
		sb.WriteString("Preview: loading...\n")
	case st.Preview != nil:
		fmt.Fprintf(&sb, "Preview: %s\n", st.Preview.Title)
	}

	fmt.Fprintf(&sb, "\n%s\n", formatBudget(st.Budget))
	if st.CanSubmit {
		sb.WriteString("Ready to /post.")
	} else {
		sb.WriteString("Not ready to post yet.")
	}
	if st.LastPostURL != "" {
		fmt.Fprintf(&sb, "\n\nLast post: %s", st.LastPostURL)
	}
	return sb.String()
}
