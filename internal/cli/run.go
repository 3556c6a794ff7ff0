package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PoyrazK/cloudload/internal/performance/bench"
	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/internal/performance/engine"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
	"github.com/PoyrazK/cloudload/internal/performance/output"
	"github.com/PoyrazK/cloudload/internal/tracing"
)

const metricsNamespace = "cloudload"

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Run a load test from a configuration file",
		Long: `Run a load test described by a YAML or JSON configuration file.

The stage plan is followed to the end even when a threshold is breached;
breaches are logged as they happen and decide the exit code at the end:
0 when every threshold passed, 99 when any failed, 1 on configuration
or runtime errors.

Set CI=1 to swap the stages for the "short" profile, or pick any named
profile with --profile.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadTest(cmd, v, args[0])
		},
	}

	addResolveFlags(cmd)
	cmd.Flags().String("out", "", "Write the full result as JSON to this file")
	cmd.Flags().String("bench-out", "", "Append benchmark measurements to this JSON file")
	cmd.Flags().String("metrics-addr", "", "Serve live Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolP("quiet", "q", false, "Disable live progress output, show only pass or fail")
	cmd.Flags().Bool("no-color", false, "Disable colored output")

	return cmd
}

// addResolveFlags registers the flags that shape config resolution.
func addResolveFlags(cmd *cobra.Command) {
	cmd.Flags().String("profile", "", "Named stage profile to run instead of the default stages")
	cmd.Flags().StringSlice("env-file", []string{".env"}, "Env files read for overrides the environment does not set")
	cmd.Flags().String("base-url", "", "Override settings.baseUrl")
	cmd.Flags().Int("max-vus", 0, "Override the VU ceiling")
}

// loadRunConfig loads path and resolves it with the environment overrides
// and the flags in v.
func loadRunConfig(v *viper.Viper, path string) (*config.RunConfig, error) {
	ov, err := config.LoadOverrides(v.GetStringSlice("env-file")...)
	if err != nil {
		return nil, err
	}
	if p := v.GetString("profile"); p != "" {
		ov.Profile = p
	}
	if u := v.GetString("base-url"); u != "" {
		ov.BaseURL = u
	}
	if n := v.GetInt("max-vus"); n > 0 {
		ov.MaxVUs = n
	}

	tc, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return config.Resolve(tc, ov)
}

func runLoadTest(cmd *cobra.Command, v *viper.Viper, path string) error {
	stdout := cmd.OutOrStdout()

	logger, err := newLogger(cmd.ErrOrStderr(), v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}

	rc, err := loadRunConfig(v, path)
	if err != nil {
		return &exitError{code: ExitError, err: fmt.Errorf("load %s: %w", path, err)}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := execute(ctx, rc, runOptions{
		metricsAddr: v.GetString("metrics-addr"),
		quiet:       v.GetBool("quiet"),
		noColor:     v.GetBool("no-color"),
	}, stdout, logger)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}

	if out := v.GetString("out"); out != "" {
		if err := writeResultJSON(out, result); err != nil {
			return &exitError{code: ExitError, err: err}
		}
		logger.WithField("path", out).Info("result written")
	}
	if benchOut := v.GetString("bench-out"); benchOut != "" {
		if err := bench.AppendFile(benchOut, result.Measurements); err != nil {
			return &exitError{code: ExitError, err: fmt.Errorf("append measurements: %w", err)}
		}
		logger.WithFields(logrus.Fields{"path": benchOut, "count": len(result.Measurements)}).Info("measurements appended")
	}

	if !result.Passed {
		return &exitError{
			code: ExitThresholdsFailed,
			err:  fmt.Errorf("%d of %d thresholds failed", len(result.FailedVerdicts()), len(result.Verdicts)),
		}
	}
	return nil
}

type runOptions struct {
	metricsAddr string
	quiet       bool
	noColor     bool
}

// execute runs rc to completion with live console output.
func execute(ctx context.Context, rc *config.RunConfig, opts runOptions, stdout io.Writer, logger *logrus.Logger) (*engine.Result, error) {
	tp, err := tracing.Init(ctx, rc.Tracing)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:      rc.Name,
		TotalDuration: rc.TotalDuration(),
		Writer:        stdout,
		Quiet:         opts.quiet,
		NoColor:       opts.noColor,
	})

	engineOpts := []engine.Option{
		engine.WithLogger(logrus.NewEntry(logger)),
		engine.WithTracerProvider(tp),
		engine.WithOnTick(func(t engine.Tick) {
			console.Update(output.StatsFromTick(t))
		}),
	}

	if opts.metricsAddr != "" {
		m := metrics.NewEngine()
		defer m.Stop()

		_, shutdown, err := serveMetrics(opts.metricsAddr, m, logger)
		if err != nil {
			return nil, err
		}
		defer shutdown()
		engineOpts = append(engineOpts, engine.WithMetricsEngine(m))
	}

	eng, err := engine.New(rc, engineOpts...)
	if err != nil {
		return nil, err
	}

	console.PrintHeader()
	result, err := eng.Run(ctx)
	if err != nil {
		return nil, err
	}
	console.PrintSummary(result)
	return result, nil
}

// serveMetrics exposes m on addr until the returned func is called. It
// returns the bound address, which differs from addr for port 0.
func serveMetrics(addr string, m *metrics.Engine, logger *logrus.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(m, metricsNamespace))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	logger.WithField("addr", ln.Addr().String()).Info("serving metrics")

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func writeResultJSON(path string, result *engine.Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
