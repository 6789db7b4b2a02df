// Package conversation implements the identity-collection protocol that runs
// before free chat: ask for a name, then a phone number, then chat.
package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/supportchat/pkg/identity"
)

type Phase int

const (
	CollectingName Phase = iota
	CollectingPhone
	Chatting
)

func (p Phase) String() string {
	switch p {
	case CollectingName:
		return "collecting-name"
	case CollectingPhone:
		return "collecting-phone"
	case Chatting:
		return "chatting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PhaseFor derives the phase from what the identity already holds.
func PhaseFor(id identity.Identity) Phase {
	switch {
	case id.Complete():
		return Chatting
	case id.DisplayName != "":
		return CollectingPhone
	default:
		return CollectingName
	}
}

var (
	ErrEmptyInput = errors.New("empty input")

	phonePattern = regexp.MustCompile(`^\d{9,15}$`)
)

// ValidationError describes input the machine refused. It is turned into an
// in-conversation message and never returned from Submit.
type ValidationError struct {
	Field string
	Input string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Input)
}

// NormalizePhone strips whitespace and checks the 9–15 digit rule.
func NormalizePhone(input string) (string, error) {
	phone := strings.Join(strings.Fields(input), "")
	if !phonePattern.MatchString(phone) {
		return "", &ValidationError{Field: "phone", Input: input}
	}
	return phone, nil
}

// Outcome tells the caller what to show after one submission.
type Outcome struct {
	Phase    Phase
	Advanced bool
	// Echo is the customer's own line to display, empty when nothing is echoed.
	Echo string
	// Prompt is a support-side line to display after Echo.
	Prompt string
	// Dispatch is set in the Chatting phase: the text to send to support.
	Dispatch string
	Rejected *ValidationError
}

// Machine advances at most once per Submit. Callers serialize submissions.
type Machine struct {
	store   identity.Store
	prompts Prompts

	mu    sync.Mutex
	id    identity.Identity
	phase Phase
}

// NewMachine loads the identity and starts in the phase it implies.
func NewMachine(ctx context.Context, store identity.Store, prompts Prompts) (*Machine, error) {
	if store == nil {
		return nil, errors.New("conversation: identity store is nil")
	}
	id, err := store.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "conversation: load identity")
	}
	return &Machine{
		store:   store,
		prompts: prompts,
		id:      id,
		phase:   PhaseFor(id),
	}, nil
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) Identity() identity.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *Machine) Prompts() Prompts { return m.prompts }

// Submit feeds one line of user input through the current phase.
func (m *Machine) Submit(ctx context.Context, input string) (Outcome, error) {
	if strings.TrimSpace(input) == "" {
		return Outcome{Phase: m.Phase()}, ErrEmptyInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case CollectingName:
		if err := m.store.Save(ctx, identity.Identity{DisplayName: input}); err != nil {
			return Outcome{Phase: m.phase}, errors.Wrap(err, "conversation: save name")
		}
		m.id.DisplayName = input
		m.phase = CollectingPhone
		log.Debug().Str("component", "conversation").Str("phase", m.phase.String()).Msg("name collected")
		return Outcome{
			Phase:    m.phase,
			Advanced: true,
			Echo:     input,
			Prompt:   m.prompts.AskPhone(input),
		}, nil

	case CollectingPhone:
		phone, err := NormalizePhone(input)
		if err != nil {
			var verr *ValidationError
			errors.As(err, &verr)
			log.Debug().Str("component", "conversation").Str("input", input).Msg("phone rejected")
			return Outcome{
				Phase:    m.phase,
				Prompt:   m.prompts.InvalidPhone,
				Rejected: verr,
			}, nil
		}
		if err := m.store.Save(ctx, identity.Identity{ContactPhone: phone}); err != nil {
			return Outcome{Phase: m.phase}, errors.Wrap(err, "conversation: save phone")
		}
		m.id.ContactPhone = phone
		m.phase = Chatting
		log.Debug().Str("component", "conversation").Str("phase", m.phase.String()).Msg("phone collected")
		return Outcome{
			Phase:    m.phase,
			Advanced: true,
			Echo:     input,
			Prompt:   m.prompts.Welcome,
		}, nil

	default:
		return Outcome{Phase: m.phase, Dispatch: input}, nil
	}
}

// AdoptConversation records the backend-assigned conversation id. A different
// id than the one already held is refused with identity.ErrConversationIDConflict.
func (m *Machine) AdoptConversation(ctx context.Context, convID string) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id.ConversationID == convID {
		return nil
	}
	if m.id.ConversationID != "" {
		return errors.Wrapf(identity.ErrConversationIDConflict, "have %q, got %q", m.id.ConversationID, convID)
	}
	if err := m.store.Save(ctx, identity.Identity{ConversationID: convID}); err != nil {
		return errors.Wrap(err, "conversation: save conversation id")
	}
	m.id.ConversationID = convID
	return nil
}

// Reset erases the stored identity and returns to CollectingName.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		return errors.Wrap(err, "conversation: clear identity")
	}
	m.id = identity.Identity{}
	m.phase = CollectingName
	return nil
}
