package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"invoicehub/backend/internal/config"
	"invoicehub/backend/internal/httpapi"
	"invoicehub/backend/internal/logger"
	pgstore "invoicehub/backend/internal/store/postgres"
)

const (
	startupTimeout   = 10 * time.Second
	baseWriteTimeout = 10 * time.Second
	ledgerTimeout    = 30 * time.Second

	// A synced mutation may refresh the token, query and create the
	// counterparty, then post the journal entry.
	ledgerCallsPerRequest = 4
)

type cli struct {
	cfg      config.Config
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "invoicehub",
		Short: "Invoice pipeline with scheme-driven free goods, stock ledger and QuickBooks sync",
		Long: `invoicehub stores receivable and payable invoices, adds free items earned
through product schemes, keeps product stock in step with every invoice
mutation and mirrors invoices into QuickBooks Online as journal entries.

Running without a subcommand starts the HTTP server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.cfg = config.Load()
			closeLog, err := logger.Setup(c.cfg.Log)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			c.closeLog = closeLog
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the Postgres schema",
			Long:  "Creates or updates the tables in DATABASE_URL. The statements are idempotent.",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.migrate(cmd.Context())
			},
		},
		c.syncPendingCmd(),
		c.tokenCmd(),
	)
	return root
}

func (c *cli) serve(parent context.Context) error {
	cfg := c.cfg
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	log := logger.WithComponent("main")

	ctx, cancel := context.WithTimeout(contextOrBackground(parent), startupTimeout)
	defer cancel()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var ledger httpapi.Ledger
	if rt.connector != nil {
		ledger = rt.connector
	}
	auth := httpapi.NewAuthManager(cfg.AuthSecret)
	api := httpapi.New(rt.service, ledger, auth, cfg.AllowedOrigin, logger.WithComponent("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout(cfg),
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("invoice backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}

func (c *cli) migrate(parent context.Context) error {
	if c.cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set to run migrations")
	}
	ctx, cancel := context.WithTimeout(contextOrBackground(parent), time.Minute)
	defer cancel()

	pg, err := pgstore.New(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log := logger.WithComponent("main")
	log.Info().Msg("schema applied")
	return nil
}

func (c *cli) syncPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-pending",
		Short: "Mirror every unsynced invoice of an account into QuickBooks",
		Example: `  # Push everything the account has not synced yet
  invoicehub sync-pending --account acct-main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account")
			accountID = strings.TrimSpace(accountID)
			if accountID == "" {
				return errors.New("--account is required")
			}
			if !c.cfg.LedgerEnabled() {
				return errors.New("QBO_CLIENT_ID and QBO_CLIENT_SECRET must be set to sync")
			}

			ctx := contextOrBackground(cmd.Context())
			rt, err := openRuntime(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := rt.service.SyncPending(ctx, accountID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().String("account", "", "Account whose pending invoices are synced")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, _ := cmd.Flags().GetString("account")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if err := validateSecurityConfig(c.cfg); err != nil {
				return fmt.Errorf("invalid security configuration: %w", err)
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			token, err := httpapi.NewAuthManager(c.cfg.AuthSecret).IssueToken(strings.TrimSpace(accountID), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("account", "", "Account the token acts for")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.LedgerEnabled() && len(cfg.TokenSealKey) < 32 {
		return fmt.Errorf("TOKEN_SEAL_KEY must be at least 32 characters when QuickBooks is enabled")
	}
	return nil
}

// writeTimeout leaves room for the QuickBooks round trips a request makes
// when invoice mutations sync inline.
func writeTimeout(cfg config.Config) time.Duration {
	if !cfg.AutoSync || !cfg.LedgerEnabled() {
		return baseWriteTimeout
	}
	perCall := cfg.QuickBooks.HTTPTimeout
	if perCall <= 0 {
		perCall = ledgerTimeout
	}
	return baseWriteTimeout + ledgerCallsPerRequest*perCall
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
