package main

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xela07ax/riskgate/internal/scoring"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func simulateScorerCmd() *cobra.Command {
	var (
		addr    string
		profile scoring.SimProfile
	)
	cmd := &cobra.Command{
		Use:   "simulate-scorer",
		Short: "Run a simulated scoring model behind the gRPC scorer protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			srv := grpc.NewServer()
			scoring.RegisterScorerServer(srv, scoring.NewSimulatedClient(profile))

			go func() {
				<-ctx.Done()
				srv.GracefulStop()
			}()
			logger.Info("simulated scorer started",
				zap.String("addr", addr), zap.Float64("bias", profile.Bias),
				zap.Duration("latency", profile.Latency), zap.Float64("error_rate", profile.ErrorRate))
			if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":50051", "gRPC listen address")
	cmd.Flags().Float64Var(&profile.Bias, "bias", 0, "added to the base score")
	cmd.Flags().DurationVar(&profile.Latency, "latency", 5*time.Millisecond, "minimum response latency")
	cmd.Flags().DurationVar(&profile.Jitter, "jitter", 10*time.Millisecond, "random extra latency")
	cmd.Flags().Float64Var(&profile.ErrorRate, "error-rate", 0, "fraction of failed calls (0..1)")
	return cmd
}

