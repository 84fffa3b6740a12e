package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/phantomd/internal/adminrpc"
	"github.com/artpar/phantomd/internal/auth"
	"github.com/artpar/phantomd/internal/bridge"
	"github.com/artpar/phantomd/internal/config"
	"github.com/artpar/phantomd/internal/device"
	"github.com/artpar/phantomd/internal/listener"
	"github.com/artpar/phantomd/internal/session"
	"github.com/artpar/phantomd/internal/telemetry"
	"github.com/artpar/phantomd/internal/tlsutil"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	telemetry.SetJSON(cfg.JSONLogs)
	log := telemetry.WithComponent("main")

	mat, err := tlsutil.LoadOrGenerate(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("phantomd: tls bootstrap: %w", err)
	}
	log.WithField("fingerprint", mat.Fingerprint).Info("certificate ready")

	devices, err := device.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("phantomd: open device store: %w", err)
	}

	sessions := session.NewManager(cfg.ScrollbackCapacity)
	authenticator := auth.New(devices)

	lcfg := listener.Config{
		ConnLimit:   cfg.ConnRateLimit,
		ConnWindow:  cfg.ConnRateWindow,
		AuthFailLim: cfg.AuthFailLimit,
		AuthFailWin: cfg.AuthFailWindow,
		AuthBudget:  cfg.AuthBudget,
		BridgeConfig: bridge.Config{
			ChannelDepth:       cfg.BridgeChannelDepth,
			FlowControlWindow:  cfg.FlowControlWindow,
			FlowControlTimeout: cfg.FlowControlTimeout,
		},
	}

	ln, err := listener.New(cfg.BindAddress, mat, sessions, authenticator, lcfg, telemetry.WithComponent("listener"))
	if err != nil {
		return fmt.Errorf("phantomd: start listener: %w", err)
	}

	adminSrv := adminrpc.New(cfg.StateDir, sessions, devices, mat.Fingerprint, cfg.BindAddress, cfg.AdminRateLimitPS, telemetry.WithComponent("admin"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sessions.RunReaper(ctx, cfg.ReaperInterval, telemetry.WithComponent("session"))

	errCh := make(chan error, 2)
	go func() { errCh <- ln.Run(ctx) }()
	go func() { errCh <- adminSrv.Run(ctx) }()

	log.WithField("bind_address", cfg.BindAddress).Info("phantomd started")

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
