package engine

import (
	"fmt"
	"strings"
	"time"

	"activationdesk/internal/domain"
)

const timeLayout = time.RFC3339

const (
	noteHeader    = "Activation Codes\n\n"
	noteSeparator = "\n\n-----------\n\n"
)

// ComposeNote renders the CRM note body, one entry per item in order.
func ComposeNote(items []domain.FoundItem) string {
	entries := make([]string, 0, len(items))
	for _, f := range items {
		entries = append(entries, strings.Join([]string{
			"Product Name: " + f.DisplayName,
			"Activation Code: " + f.Item.Name,
			downloadLink("MAC", f.Item.MacLink),
			downloadLink("WIN", f.Item.WinLink),
		}, " || "))
	}
	return noteHeader + strings.Join(entries, noteSeparator)
}

func downloadLink(platform, url string) string {
	if url == "" || url == domain.NotAvailable {
		return platform + " Download Link: " + domain.NotAvailable
	}
	return fmt.Sprintf("[%s Download Link](%s)", platform, url)
}

// Summarize renders the operator-facing report of a successful run.
func Summarize(out domain.RunOutcome, s Settings) string {
	total := len(out.Items)
	var b strings.Builder
	fmt.Fprintf(&b, "Added note %s to deal %s with %d activation code(s).\n", out.NoteID, out.DealID, total)
	if s.NoteTag != "" {
		if out.NoteTagged {
			fmt.Fprintf(&b, "Tagged note with '%s'.\n", s.NoteTag)
		} else {
			fmt.Fprintf(&b, "Note was not tagged with '%s'.\n", s.NoteTag)
		}
	}
	fmt.Fprintf(&b, "Updated status to '%s' for %d of %d item(s).\n", s.TargetLabel, out.StatusUpdated, total)
	if _, ok := s.Assignees.Lookup(out.OwnerEmail); ok {
		fmt.Fprintf(&b, "Assigned owner (%s) for %d of %d item(s).\n", out.OwnerEmail, out.OwnerAssigned, total)
	} else {
		fmt.Fprintf(&b, "Owner assignment skipped: %s has no board user mapping.\n", out.OwnerEmail)
	}
	if len(out.Warnings) > 0 {
		b.WriteString("Issues:\n")
		for _, w := range out.Warnings {
			b.WriteString("- " + w + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
