package cmds

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/supportchat/pkg/backend"
	"github.com/go-go-golems/supportchat/pkg/config"
	"github.com/go-go-golems/supportchat/pkg/connection"
	"github.com/go-go-golems/supportchat/pkg/conversation"
	"github.com/go-go-golems/supportchat/pkg/identity"
	"github.com/go-go-golems/supportchat/pkg/logging"
	"github.com/go-go-golems/supportchat/pkg/widget"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v          *viper.Viper
	configFile string
	settings   config.Settings
	loaded     bool
	logCloser  io.Closer
}

func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "supportchat is a customer support chat client and development backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			closer, err := logging.Init(a.settings.Log)
			if err != nil {
				return err
			}
			a.logCloser = closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default: ./supportchat.yaml or $XDG_CONFIG_HOME/supportchat/supportchat.yaml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-file", "", "write logs to this rotating file instead of stderr")
	pf.Bool("log-json", false, "log as JSON")
	pf.String("backend-url", "", "support backend base URL")
	for key, flag := range map[string]string{
		"log.level":        "log-level",
		"log.file":         "log-file",
		"log.json":         "log-json",
		"backend.base-url": "backend-url",
	} {
		cobra.CheckErr(a.v.BindPFlag(key, pf.Lookup(flag)))
	}

	historyCmd, err := NewHistoryCommand(a)
	cobra.CheckErr(err)
	cobraHistoryCmd, err := cli.BuildCobraCommand(historyCmd)
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		newWidgetCommand(a),
		newSendCommand(a),
		cobraHistoryCmd,
		newResetCommand(a),
		newDevserverCommand(a),
	)
	return rootCmd
}

// load reads the configuration once per command invocation.
func (a *app) load() error {
	if a.loaded {
		return nil
	}
	s, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.settings = s
	a.loaded = true
	return nil
}

func (a *app) openIdentity() (identity.Store, func() error, error) {
	return identity.Open(a.settings.Identity.Driver, a.settings.Identity.Path)
}

// newController wires the identity store, backend client and channel into a
// widget controller. The cleanup func is never nil.
func (a *app) newController(ctx context.Context) (*widget.Controller, func(), error) {
	store, closeStore, err := a.openIdentity()
	if err != nil {
		return nil, func() {}, err
	}
	bc, err := backend.New(a.settings.BackendConfig())
	if err != nil {
		_ = closeStore()
		return nil, func() {}, err
	}
	mgr, err := connection.NewManager(a.settings.ConnectionConfig())
	if err != nil {
		_ = closeStore()
		return nil, func() {}, err
	}
	prompts := conversation.DefaultPrompts()
	ctrl, err := widget.New(ctx, widget.Options{
		Store:       store,
		Backend:     bc,
		Channel:     mgr,
		Prompts:     &prompts,
		PromptDelay: a.settings.Widget.PromptDelay,
	})
	if err != nil {
		_ = closeStore()
		return nil, func() {}, errors.Wrap(err, "create widget")
	}
	cleanup := func() {
		ctrl.Stop()
		_ = closeStore()
	}
	return ctrl, cleanup, nil
}
