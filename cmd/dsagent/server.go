package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/interopx/dsagent/internal/agent"
	"github.com/interopx/dsagent/internal/api"
	"github.com/interopx/dsagent/internal/config"
	"github.com/interopx/dsagent/internal/provider"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		strategy, _ := cmd.Flags().GetString("strategy")
		return runServer(configPath, strategy)
	},
}

func init() {
	startCmd.Flags().String("config", "config.yaml", "path to the configuration document")
	startCmd.Flags().String("strategy", string(provider.StrategyIntercept),
		"change capture strategy: intercept or feed")
}

func runServer(configPath, strategy string) error {
	fmt.Fprintf(os.Stderr, "dsagent version %s\n", version)

	if err := provider.UseStrategy(provider.Strategy(strategy)); err != nil {
		return err
	}
	if err := config.SetPath(configPath); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(os.Getenv("DSAGENT_LOG"), "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := agent.NewApp(slog.Default())
	defer func() {
		if err := app.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing app: %v\n", err)
		}
	}()

	// Prepare both agents before accepting requests. Each owns its own
	// adapter set; preparation is independent and runs concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := app.ContractAgent(gctx)
		return err
	})
	g.Go(func() error {
		_, err := app.ConsentAgent(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("preparing agents: %w", err)
	}
	slog.Info("agents prepared", "strategy", provider.ActiveStrategy())

	ca, err := app.ContractAgent(ctx)
	if err != nil {
		return err
	}
	handler := api.NewHandler(api.Deps{
		App:   app,
		Token: os.Getenv("DSAGENT_TOKEN"),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", ca.Config().Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dsagent listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
