package cmds

import (
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/supportchat/pkg/logging"
	"github.com/go-go-golems/supportchat/pkg/ui"
)

func newWidgetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "widget",
		Short: "Run the support widget in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			// the terminal belongs to the widget, so logs go to a file
			if a.settings.Log.File == "" {
				ls := a.settings.Log
				ls.File = filepath.Join(os.TempDir(), "supportchat.log")
				closer, err := logging.Init(ls)
				if err != nil {
					return err
				}
				_ = a.logCloser.Close()
				a.logCloser = closer
			}

			ctx := cmd.Context()
			ctrl, cleanup, err := a.newController(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := ctrl.Start(ctx); err != nil {
				return errors.Wrap(err, "start widget")
			}

			model := ui.NewModel(ctx, ctrl)
			defer model.Close()
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return errors.Wrap(err, "run widget")
			}
			log.Info().Str("component", "cli").Msg("widget closed")
			return nil
		},
	}
}
