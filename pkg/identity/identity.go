// Package identity persists the caller's locally known chat identity: display
// name, contact phone and the conversation id assigned by the support backend.
package identity

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var ErrConversationIDConflict = errors.New("conversation id already assigned")

// Identity is what the widget knows about the person chatting.
type Identity struct {
	DisplayName    string `yaml:"display_name,omitempty"`
	ContactPhone   string `yaml:"contact_phone,omitempty"`
	ConversationID string `yaml:"conversation_id,omitempty"`
}

// Complete reports whether both name and phone were collected.
func (i Identity) Complete() bool {
	return i.DisplayName != "" && i.ContactPhone != ""
}

func (i Identity) IsZero() bool {
	return i == Identity{}
}

// Store is durable storage for a single Identity. Save merges non-empty fields
// into what is stored; Clear erases every field. Writes are synchronous.
type Store interface {
	Load(ctx context.Context) (Identity, error)
	Save(ctx context.Context, update Identity) error
	Clear(ctx context.Context) error
}

// Merge applies the non-empty fields of update onto current. A conversation id
// is never replaced by a different one: the current value is kept and
// ErrConversationIDConflict is returned alongside the merged identity.
func Merge(current, update Identity) (Identity, error) {
	out := current
	if v := update.DisplayName; strings.TrimSpace(v) != "" {
		out.DisplayName = v
	}
	if v := strings.TrimSpace(update.ContactPhone); v != "" {
		out.ContactPhone = v
	}
	var err error
	if v := strings.TrimSpace(update.ConversationID); v != "" {
		switch {
		case current.ConversationID == "":
			out.ConversationID = v
		case current.ConversationID != v:
			err = errors.Wrapf(ErrConversationIDConflict, "have %q, got %q", current.ConversationID, v)
		}
	}
	return out, err
}
