package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/defectdojo"
	"github.com/user/cloudscan/pkg/logging"
	"github.com/user/cloudscan/pkg/metrics"
	"github.com/user/cloudscan/pkg/orchestrator"
	"github.com/user/cloudscan/pkg/profile"
	"github.com/user/cloudscan/pkg/scheduler"
	"github.com/user/cloudscan/pkg/vault"
	"github.com/user/cloudscan/pkg/wrappers"
)

const runLockName = ".run.lock"

type scanOptions struct {
	product    string
	configPath string
	cron       string
	once       bool
}

var scanOpts scanOptions

func addScanFlags(fs *pflag.FlagSet, opts *scanOptions) {
	fs.StringVarP(&opts.product, "product", "p", "", "Name of a registered product to scan")
	fs.StringVarP(&opts.configPath, "config", "c", "", "Profile document (JSON or YAML) to register on first use")
	fs.StringVar(&opts.cron, "cron", "", "Cron expression to repeat the scan on (overrides schedule.cron)")
	fs.BoolVar(&opts.once, "once", false, "Run a single scan even if a schedule is configured")
}

// app holds what every command builds from the settings.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	secrets vault.Store
	closer  io.Closer
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig(SettingsPath)
	if err != nil {
		return nil, config.Errorf("%w", err)
	}
	logger, closer, err := logging.New(logging.OptionsFromConfig(cfg.Logger, DebugMode))
	if err != nil {
		return nil, err
	}
	secrets, err := newSecretStore(cfg.Secrets, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, secrets: secrets, closer: closer}, nil
}

func (a *app) Close() error { return a.closer.Close() }

func (a *app) registrar() *profile.Registrar {
	return profile.NewRegistrar(profile.NewStore(a.cfg.Profiles), a.secrets, a.logger)
}

func newSecretStore(cfg config.SecretsConfig, logger zerolog.Logger) (vault.Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn().Msg("Using the in-memory secret store, credentials will not survive this process")
		return vault.NewMemoryStore(), nil
	case "keyvault", "":
		if cfg.KeyVaultName == "" {
			return nil, config.Errorf("secrets.key_vault_name is required for the keyvault backend")
		}
		store, err := vault.NewKeyVaultStore(cfg.KeyVaultName, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, config.Errorf("unknown secrets.backend %q", cfg.Backend)
	}
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	switch {
	case scanOpts.once:
		cfg.Schedule.Cron = ""
	case scanOpts.cron != "":
		cfg.Schedule.Cron = scanOpts.cron
	}
	if err := cfg.Validate(); err != nil {
		return config.Errorf("%w", err)
	}

	p, err := a.registrar().Resolve(ctx, scanOpts.product, scanOpts.configPath)
	if err != nil {
		return err
	}

	scanner := wrappers.NewCloudsploitWrapper(cfg.Cloudsploit, a.logger)
	if err := scanner.ValidateInstall(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.RunMetricsServer(ctx, cfg.Metrics.Addr, reg); err != nil {
				a.logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server stopped")
			}
		}()
	}

	client := defectdojo.NewClient(cfg.DefectDojo, a.logger)
	orch, err := orchestrator.New(cfg, scanner, orchestrator.DojoBackend{Client: client}, m, a.logger)
	if err != nil {
		return err
	}
	orch.WithProgress(os.Stdout)

	productDir := profile.NewStore(cfg.Profiles).ProductDir(p.ProductName)
	if err := os.MkdirAll(productDir, 0o700); err != nil {
		return fmt.Errorf("failed to create product directory: %w", err)
	}
	sched, err := scheduler.New(cfg.Schedule.Cron, filepath.Join(productDir, runLockName), func(ctx context.Context) error {
		report, err := orch.RunOnce(ctx, p)
		if report != nil {
			logReport(a.logger, report)
		}
		return err
	}, m, a.logger)
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}

func logReport(logger zerolog.Logger, r *orchestrator.RunReport) {
	for _, acc := range r.Accounts {
		ev := logger.Info()
		if !acc.Delivered {
			ev = logger.Warn().Err(acc.Err)
		}
		ev.Str("session", r.SessionID).
			Str("env", acc.EnvironmentID).
			Str("provider", string(acc.Provider)).
			Str("stage", string(acc.Stage)).
			Bool("delivered", acc.Delivered).
			Int("findings", acc.Findings).
			Msg("Account result")
	}
	logger.Info().
		Str("session", r.SessionID).
		Str("reports", r.SessionDir).
		Int("delivered", r.Delivered()).
		Int("failed", r.Failed()).
		Dur("elapsed", r.FinishedAt.Sub(r.StartedAt)).
		Msg("Run summary")
}
