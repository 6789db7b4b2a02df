package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/supportchat/pkg/devserver"
)

func newDevserverCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local support backend (REST + websocket channel)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.settings.DevserverConfig()
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			if dsn, _ := cmd.Flags().GetString("store"); dsn != "" {
				cfg.StoreDSN = dsn
			}

			srv, err := devserver.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides devserver.addr)")
	cmd.Flags().String("store", "", "SQLite file for messages (overrides devserver.store-dsn, empty keeps them in memory)")
	return cmd
}
