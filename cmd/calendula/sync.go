package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pimalaya/calendula/internal/backend"
	"github.com/pimalaya/calendula/internal/config"
	httpserver "github.com/pimalaya/calendula/internal/http"
	"github.com/pimalaya/calendula/internal/store"
	"github.com/pimalaya/calendula/internal/syncer"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the saved sync state of every calendar once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, st, err := a.syncer(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			results := s.SyncAll(cmd.Context())
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tCALENDAR\tADDED\tUPDATED\tREMOVED\tSTATUS")
			var errs []error
			for _, r := range results {
				status := "ok"
				switch {
				case r.Err != nil:
					status = r.Err.Error()
					errs = append(errs, r.Err)
				case r.Reset:
					status = "reset"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", r.Account, r.CalendarID, r.Added, r.Updated, r.Removed, status)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
}

func newDaemonCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync on the CALENDULA_SYNC_SCHEDULE and serve metrics on CALENDULA_METRICS_ADDR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, st, err := a.syncer(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.MetricsAddr != "" {
				srv := &http.Server{
					Addr:         cfg.MetricsAddr,
					Handler:      httpserver.NewRouter(readiness(s, cfg.SyncOnStart)),
					ReadTimeout:  15 * time.Second,
					WriteTimeout: 15 * time.Second,
					IdleTimeout:  60 * time.Second,
				}
				go func() {
					log.Printf("[INFO] metrics listening on %s", cfg.MetricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Printf("[ERROR] metrics server: %v", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						log.Printf("[WARN] graceful shutdown failed: %v", err)
					}
				}()
			}

			return s.Run(ctx)
		},
	}
}

// readiness holds the daemon unready until the first sync finished, when
// one runs at startup.
func readiness(s *syncer.Syncer, onStart bool) httpserver.ReadyFunc {
	return func(context.Context) error {
		if onStart && s.LastRun().IsZero() {
			return errors.New("first sync still running")
		}
		return nil
	}
}

func (a *app) syncer(ctx context.Context) (*syncer.Syncer, store.Store, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	accounts, err := syncAccounts(cfg, a.account)
	if err != nil {
		return nil, nil, err
	}
	st, err := a.store(ctx)
	if err != nil {
		return nil, nil, err
	}

	s, err := syncer.New(syncer.Options{
		Store: st,
		Open: func(account string) (syncer.Lister, error) {
			return backend.New(account, cfg.Accounts[account], a.deps)
		},
		Accounts: accounts,
		Schedule: cfg.SyncSchedule,
		OnStart:  cfg.SyncOnStart,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return s, st, nil
}

// syncAccounts picks the --account flag, else CALENDULA_SYNC_ACCOUNTS, else
// every account.
func syncAccounts(cfg *config.Config, flag string) ([]string, error) {
	if flag != "" {
		if _, ok := cfg.Accounts[flag]; !ok {
			return nil, fmt.Errorf("unknown account %q", flag)
		}
		return []string{flag}, nil
	}
	if len(cfg.SyncAccounts) > 0 {
		return cfg.SyncAccounts, nil
	}
	return cfg.AccountNames(), nil
}
