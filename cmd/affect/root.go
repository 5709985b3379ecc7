package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/danielpatrickdp/affect-state/internal/analytics"
	"github.com/danielpatrickdp/affect-state/internal/config"
	"github.com/danielpatrickdp/affect-state/internal/logging"
	"github.com/danielpatrickdp/affect-state/internal/metrics"
)

// #region app

// app carries what every subcommand shares once the root has initialised.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
	in     *bufio.Reader
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "affect",
		Short: "Multimodal emotion fusion with encrypted on-device history",
		Long: `affect fuses face, voice and text emotion readings into one state per
cycle, forecasts where the session is heading, and keeps every state
encrypted under a key derived from the profile's secret.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default $AFFECT_CONFIG)")
	flags.String("store", "", "path to the analytics database")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "emit JSON logs")
	flags.String("metrics-address", "", "serve Prometheus metrics on this address")
	for _, name := range []string{"config", "store", "log-level", "log-json", "metrics-address"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	a.v.SetEnvPrefix("AFFECT")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newProfileCmd(a),
		newSessionCmd(a),
		newHistoryCmd(a),
		newSummaryCmd(a),
		newPurgeCmd(a),
		newReplayCmd(a),
		newCollectorCmd(a),
	)
	return root
}

// init loads the config file, lets flags and AFFECT_* env win over it, and
// sets up logging and metrics.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return err
	}
	if v := a.v.GetString("store"); v != "" {
		cfg.Store.Path = v
	}
	if v := a.v.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if a.v.GetBool("log-json") {
		cfg.Logging.JSON = true
	}
	if v := a.v.GetString("metrics-address"); v != "" {
		cfg.Metrics.Address = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.JSON)
	a.in = bufio.NewReader(cmd.InOrStdin())
	return metrics.Register(prometheus.DefaultRegisterer)
}

// #endregion app

// #region helpers

func (a *app) openStore() (*analytics.Store, error) {
	return analytics.NewStore(a.cfg.Store.Path, a.cfg.KDFParams(), a.logger)
}

// openUnlocked opens the store and unlocks profileID with the caller's secret.
func (a *app) openUnlocked(ctx context.Context, profileID string) (*analytics.Store, error) {
	secret, err := a.secret()
	if err != nil {
		return nil, err
	}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if err := store.Unlock(ctx, profileID, secret); err != nil {
		store.Close()
		return nil, fmt.Errorf("unlock %s: %w", profileID, err)
	}
	return store, nil
}

// secret reads the profile secret from $AFFECT_SECRET, else one line of stdin.
func (a *app) secret() ([]byte, error) {
	if s := a.v.GetString("secret"); s != "" {
		return []byte(s), nil
	}
	line, err := a.readLine()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	if line == "" {
		return nil, errors.New("no secret: set AFFECT_SECRET or pipe it on stdin")
	}
	return []byte(line), nil
}

func (a *app) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// serveMetrics starts the Prometheus listener when an address is
// configured. The returned func shuts it down.
func (a *app) serveMetrics() func() {
	addr := a.cfg.Metrics.Address
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		a.logger.Info("metrics server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server exited", slog.Any("error", err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}
}

// #endregion helpers
