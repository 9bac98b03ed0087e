package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/overthetop/internal/kernel"
	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/utilx"
)

func newRunCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and attach its interactive console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindViper(cmd, v); err != nil {
				return err
			}
			setupLoggingFromViper(v)
			return runNode(cmd.Context(), v)
		},
	}

	addConfigFlag(cmd)
	addLoggingFlags(cmd)

	cmd.Flags().String("name", "", "human-readable name advertised to neighbours")
	cmd.Flags().String("control-addr", ":7790", "TCP address for the control transport to listen on")
	cmd.Flags().String("flow-addr", ":7791", "UDP address for the flow transport to listen on")
	cmd.Flags().StringSlice("connect", nil, "control addresses of neighbours to dial on startup")
	cmd.Flags().Int("auth-retries", 3, "handshake frames tolerated before rejecting a peer")
	cmd.Flags().Int("icu-health", 5, "reconnect attempts granted to a timed-out neighbour")
	cmd.Flags().Duration("doctor-period", 2*time.Second, "interval between connection doctor ticks")
	cmd.Flags().Duration("doctor-backoff", 1*time.Second, "base reconnect backoff")
	cmd.Flags().String("doctor-curve", "exponential", "reconnect backoff curve: constant|linear|quadratic|exponential")
	cmd.Flags().Bool("no-console", false, "run headless, without the interactive console")

	return cmd
}

func runNode(ctx context.Context, v *viper.Viper) error {
	cfg := kernel.DefaultConfig()
	cfg.Name = v.GetString("name")
	cfg.ControlAddr = v.GetString("control-addr")
	cfg.FlowAddr = v.GetString("flow-addr")
	cfg.AuthRetries = v.GetInt("auth-retries")
	cfg.ICUHealthPoints = v.GetInt("icu-health")
	cfg.DoctorPeriod = v.GetDuration("doctor-period")
	cfg.DoctorBaseBackoff = v.GetDuration("doctor-backoff")
	cfg.DoctorCurve = utilx.ParseCurve(v.GetString("doctor-curve"))

	id := nodeid.New()
	log := slog.Default().With("node", id)
	k := kernel.New(id, cfg, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- k.Run(ctx) }()

	// Wait for the control listener to actually bind before dialing seed
	// neighbours or opening the console, rather than guessing a delay.
	readyCtx, readyCancel := context.WithTimeout(ctx, 5*time.Second)
	addr, err := k.ControlAddr(readyCtx)
	readyCancel()
	if err != nil {
		select {
		case err := <-runErr:
			if err != nil {
				return fmt.Errorf("node failed to start: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("node did not bind its control listener: %w", err)
		}
	}
	log.Info("control listener bound", "addr", addr)

	for _, addr := range v.GetStringSlice("connect") {
		if err := k.Connect(addr); err != nil {
			log.Warn("failed to connect to seed neighbour", "addr", addr, "error", err)
		}
	}

	if !v.GetBool("no-console") {
		go runConsole(ctx, k, log)
	}

	return <-runErr
}
