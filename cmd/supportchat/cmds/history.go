package cmds

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/supportchat/pkg/backend"
	"github.com/go-go-golems/supportchat/pkg/wire"
)

type HistoryCommand struct {
	*cmds.CommandDescription
	app *app
}

type HistorySettings struct {
	ConversationID string `glazed:"conversation-id"`
}

func NewHistoryCommand(a *app) (*HistoryCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Print the stored conversation from the support backend"),
		cmds.WithLong("Fetch the conversation history from the support backend, one row per message, oldest first."),
		cmds.WithFlags(
			fields.New(
				"conversation-id",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Conversation to fetch (default: the one in the stored identity)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &HistoryCommand{CommandDescription: desc, app: a}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistorySettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	rows, err := c.rows(ctx, s)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (c *HistoryCommand) rows(ctx context.Context, s *HistorySettings) ([]types.Row, error) {
	if err := c.app.load(); err != nil {
		return nil, err
	}
	convID := strings.TrimSpace(s.ConversationID)
	if convID == "" {
		store, closeStore, err := c.app.openIdentity()
		if err != nil {
			return nil, err
		}
		defer func() { _ = closeStore() }()
		id, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if id.ConversationID == "" {
			return nil, errors.New("no conversation yet, send a message first")
		}
		convID = id.ConversationID
	}

	bc, err := backend.New(c.app.settings.BackendConfig())
	if err != nil {
		return nil, err
	}
	history, err := bc.History(ctx, convID)
	if err != nil {
		return nil, err
	}
	return historyRows(history), nil
}

func historyRows(history []wire.HistoryMessage) []types.Row {
	rows := make([]types.Row, 0, len(history))
	for _, h := range history {
		createdAt := ""
		if !h.CreatedAt.IsZero() {
			createdAt = h.CreatedAt.UTC().Format(time.RFC3339)
		}
		who := "you"
		if h.FromSupport {
			who = "support"
		}
		rows = append(rows, types.NewRow(
			types.MRP("created_at", createdAt),
			types.MRP("who", who),
			types.MRP("text", h.Text),
			types.MRP("read", h.Read),
			types.MRP("id", h.ID),
		))
	}
	return rows
}

var _ cmds.GlazeCommand = &HistoryCommand{}
