package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/pkg/models"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	return time.Unix(unix, 0).Local().Format("2006-01-02 15:04")
}

func relationLabel(c models.ContactRecord) string {
	switch {
	case c.Blocked:
		return "blocked"
	case c.IsFriend:
		return "friend"
	case c.IsDirectOnly:
		return "direct"
	default:
		return "recent"
	}
}

func writeContacts(w io.Writer, contacts []models.ContactRecord) error {
	if len(contacts) == 0 {
		_, err := fmt.Fprintln(w, "no contacts")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tADDRESS\tRELATION\tLAST MESSAGE\tAT")
	for _, c := range contacts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.DisplayName, c.Address, relationLabel(c), preview(c.LastMessageText, 40), formatTime(c.LastMessageTime))
	}
	return tw.Flush()
}

func writeMessages(w io.Writer, local models.Identity, messages []models.Message) error {
	if len(messages) == 0 {
		_, err := fmt.Fprintln(w, "no messages")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range messages {
		sender := identity.Abbreviate(m.Sender)
		if m.Sender == local {
			sender = "you"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(m.Timestamp), sender, messageState(m), m.Body)
	}
	return tw.Flush()
}

func messageState(m models.Message) string {
	switch {
	case m.IsPending():
		return "pending"
	case m.Delivered:
		return "delivered"
	default:
		return "undelivered"
	}
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
