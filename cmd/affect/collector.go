package main

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/affect-state/internal/collector"
	"github.com/danielpatrickdp/affect-state/internal/emotion"
	"github.com/danielpatrickdp/affect-state/internal/replay"
)

// #region collector
func newCollectorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Collector backend tooling",
	}

	var listen, input string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve recorded cycles over the collector gRPC API",
		Long: `serve exposes one scripted backend per modality found in --input. Each
Collect call for a modality returns that modality's next recorded reading.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fx, err := replay.LoadFixture(input)
			if err != nil {
				return err
			}
			scripted, _ := scriptedCollectors(fx)
			backends := make(collector.Backends, len(scripted))
			for _, c := range scripted {
				backends[c.Modality()] = c
			}

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listen, err)
			}
			srv := collector.NewServer(backends)

			stopMetrics := a.serveMetrics()
			defer stopMetrics()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(lis) }()
			a.logger.Info("collector serving", slog.String("address", lis.Addr().String()), slog.Int("modalities", len(backends)))
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", modalityList(backends), lis.Addr())

			select {
			case <-cmd.Context().Done():
				a.logger.Info("shutdown signal received")
				srv.GracefulStop()
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
	serve.Flags().StringVar(&listen, "listen", ":7001", "address to listen on")
	serve.Flags().StringVar(&input, "input", "", "recorded cycles to serve (replay fixture format)")
	_ = serve.MarkFlagRequired("input")

	cmd.AddCommand(serve)
	return cmd
}

func modalityList(b collector.Backends) string {
	var ms []emotion.Modality
	for _, m := range emotion.Modalities {
		if _, ok := b[m]; ok {
			ms = append(ms, m)
		}
	}
	return joinModalities(ms)
}

// #endregion collector
