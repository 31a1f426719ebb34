package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pimalaya/calendula/internal/backend"
	"github.com/pimalaya/calendula/internal/config"
	"github.com/pimalaya/calendula/internal/store"
)

// app carries the global flags and the lazily loaded configuration.
type app struct {
	configPath string
	account    string

	cfg  *config.Config
	deps backend.Deps
	out  io.Writer
	in   io.Reader
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&app{out: os.Stdout, in: os.Stdin})
}

func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "calendula",
		Short:         "Manage CalDAV and Vdir calendars from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "accounts file (default $CALENDULA_CONFIG or the XDG config dir)")
	root.PersistentFlags().StringVarP(&a.account, "account", "a", "", "account to use (default $CALENDULA_ACCOUNT or the default account)")

	root.AddCommand(
		newCalendarsCmd(a),
		newItemsCmd(a),
		newEventsCmd(a),
		newSyncCmd(a),
		newDaemonCmd(a),
	)
	root.SetOut(a.out)
	root.SetIn(a.in)
	return root
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// client builds the backend of the selected account.
func (a *app) client() (*backend.Client, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	name, acct, err := cfg.Account(a.account)
	if err != nil {
		return nil, err
	}
	return backend.New(name, acct, a.deps)
}

func (a *app) store(ctx context.Context) (store.Store, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("open sync state: %w", err)
	}
	return st, nil
}
