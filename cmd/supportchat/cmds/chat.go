package cmds

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/supportchat/pkg/timeline"
)

func newSendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send TEXT...",
		Short: "Submit one line as if typed into the widget and print the conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctrl, cleanup, err := a.newController(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := ctrl.Start(ctx); err != nil {
				return err
			}
			ctrl.Open()

			submitErr := ctrl.Submit(ctx, strings.Join(args, " "))
			snap := ctrl.Snapshot()
			printMessages(cmd.OutOrStdout(), snap.Messages)
			if snap.Banner != "" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", snap.Banner)
			}
			return submitErr
		},
	}
}

func newResetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the stored name, phone and conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openIdentity()
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "identity cleared")
			return nil
		},
	}
}

func printMessages(w io.Writer, msgs []timeline.Message) {
	for _, m := range msgs {
		who := "you"
		if m.FromSupport {
			who = "support"
		}
		ts := ""
		if !m.CreatedAt.IsZero() {
			ts = m.CreatedAt.Local().Format("2006-01-02 15:04:05") + " "
		}
		_, _ = fmt.Fprintf(w, "%s%-7s %s\n", ts, who, m.Text)
	}
}
