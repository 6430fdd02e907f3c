package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"canonplan/internal/model"
)

// mailboxMessage is one entry of an unread-mail export.
type mailboxMessage struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Snippet    string     `json:"snippet,omitempty"`
	From       string     `json:"from,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	Read       bool       `json:"read,omitempty"`
}

// Mailbox reads unread messages from a JSON export file. A missing file is
// treated as an empty mailbox.
type Mailbox struct {
	Path string
}

func NewMailbox(path string) *Mailbox {
	return &Mailbox{Path: path}
}

func (m *Mailbox) Fetch(ctx context.Context, _ string) ([]model.RawItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []mailboxMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse mailbox %s: %w", m.Path, err)
	}

	out := make([]model.RawItem, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Read || strings.TrimSpace(msg.Subject) == "" {
			continue
		}
		out = append(out, model.EmailItem{
			MessageID:  msg.ID,
			Subject:    msg.Subject,
			Snippet:    msg.Snippet,
			From:       msg.From,
			ReceivedAt: msg.ReceivedAt,
			DueAt:      msg.DueAt,
		})
	}
	return out, nil
}
