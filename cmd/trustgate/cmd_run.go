package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trustgate/internal/config"
	"trustgate/internal/listener"
	"trustgate/internal/logging"
)

var noWatch bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the event source and start deciding",
	Long: `Starts the engine:
  1. Listener: authenticated websocket subscription with reconnect backoff
  2. Responder: classify, read trust and breaker, predict, choose an action
  3. Ratification API: feedback that earns or revokes trust
  4. Decay loop: idle categories lose trust over time

Edits to the router section of the config file apply without a restart.`,
	RunE: runService,
}

func init() {
	runCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")
}

func runService(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logging.Get(logging.CategoryBoot).Error("shutdown: %v", err)
		}
	}()

	l := listener.New(listener.OptionsFromConfig(cfg))
	l.OnEvent(svc.responder.HandleEvent)
	l.OnPresence(svc.router.SetUserConnected)

	if !noWatch {
		if w, err := startWatcher(ctx, svc); err != nil {
			logging.Get(logging.CategoryConfig).Warn("config hot reload disabled: %v", err)
		} else {
			defer w.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := l.Run(gctx)
		if err != nil {
			return fmt.Errorf("listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.registry.RunDecay(gctx, cfg.GetDecayInterval(), nil)
	})
	if cfg.API.Enabled {
		g.Go(func() error {
			return svc.api.Run(gctx, cfg.API.Address)
		})
	}

	logging.Boot("trustgate running (listener=%s api=%v)", cfg.Listener.URL, cfg.API.Enabled)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logging.Boot("trustgate stopping")
	return err
}

// startWatcher applies router changes from the config file at runtime.
func startWatcher(ctx context.Context, svc *service) (*config.Watcher, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, err
	}
	w, err := config.NewWatcher(configPath)
	if err != nil {
		return nil, err
	}
	w.OnChange(func(next *config.Config) {
		svc.router.SetSchedule(scheduleFrom(next))
	})
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}
