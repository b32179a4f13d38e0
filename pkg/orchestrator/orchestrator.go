package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/credentials"
	"github.com/user/cloudscan/pkg/defectdojo"
	"github.com/user/cloudscan/pkg/engine"
	"github.com/user/cloudscan/pkg/metrics"
	"github.com/user/cloudscan/pkg/profile"
	"github.com/user/cloudscan/pkg/wrappers"
)

const (
	sessionTimeFormat = "20060102-150405"
	engineDirName     = "cloudsploit"
	sessionLogName    = "cloudsploit-console.log"
)

// Scanner runs the scan engine for one account.
type Scanner interface {
	Execute(ctx context.Context, configPath string, account profile.Account, reportsDir string, sessionLog io.Writer) (string, error)
}

// Backend opens an authenticated findings backend session.
type Backend interface {
	Authenticate(ctx context.Context) (BackendSession, error)
}

// BackendSession is the part of a DefectDojo session the pipeline uses.
type BackendSession interface {
	FindProductByName(ctx context.Context, name string) (*defectdojo.Product, error)
	CreateProduct(ctx context.Context, spec defectdojo.ProductSpec) (*defectdojo.Product, error)
	FindEngagementByName(ctx context.Context, name string, productID int) (*defectdojo.Engagement, error)
	CreateEngagement(ctx context.Context, spec defectdojo.EngagementSpec) (*defectdojo.Engagement, error)
	ImportScan(ctx context.Context, req defectdojo.ImportRequest, progress defectdojo.ProgressFunc) (*defectdojo.ImportResult, error)
}

// DojoBackend adapts a defectdojo.Client to Backend.
type DojoBackend struct {
	Client *defectdojo.Client
}

func (b DojoBackend) Authenticate(ctx context.Context) (BackendSession, error) {
	s, err := b.Client.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Orchestrator drives one profile through scan, enhancement and import,
// account by account.
type Orchestrator struct {
	profiles config.ProfilesConfig
	dojo     config.DefectDojoConfig
	scanner  Scanner
	enhancer *engine.Enhancer
	backend  Backend
	metrics  metrics.PipelineMetrics
	progress io.Writer
	logger   zerolog.Logger
	now      func() time.Time
}

func New(cfg *config.Config, scanner Scanner, backend Backend, m metrics.PipelineMetrics, logger zerolog.Logger) (*Orchestrator, error) {
	enhancer, err := engine.NewEnhancer(cfg.DefectDojo.ResourceMaxLength, logger)
	if err != nil {
		return nil, config.Errorf("%w", err)
	}
	return &Orchestrator{
		profiles: cfg.Profiles,
		dojo:     cfg.DefectDojo,
		scanner:  scanner,
		enhancer: enhancer,
		backend:  backend,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// WithProgress sets where upload progress is printed. Nil disables it.
func (o *Orchestrator) WithProgress(w io.Writer) *Orchestrator {
	o.progress = w
	return o
}

// SessionDir returns the reports directory of one run.
func (o *Orchestrator) SessionDir(product, sessionID string) string {
	return filepath.Join(o.profiles.RootDir, product, o.profiles.ReportsDirName, sessionID)
}

// RunOnce scans every account of p in order. A failing account is recorded and
// the loop moves on; a ConfigError before the loop, an authentication failure
// or context cancellation end the run and are returned with the partial report.
func (o *Orchestrator) RunOnce(ctx context.Context, p *profile.ScanProfile) (*RunReport, error) {
	if err := profile.Validate(p); err != nil {
		return nil, err
	}

	start := o.now().UTC()
	report := &RunReport{
		SessionID: fmt.Sprintf("%s-%s", p.ProductName, start.Format(sessionTimeFormat)),
		RunID:     uuid.NewString(),
		StartedAt: start,
	}
	report.SessionDir = o.SessionDir(p.ProductName, report.SessionID)
	logger := o.logger.With().
		Str("session", report.SessionID).
		Str("run_id", report.RunID).
		Logger()

	o.metrics.IncRuns()
	defer func() {
		report.FinishedAt = o.now().UTC()
		o.metrics.ObserveRunDuration(report.FinishedAt.Sub(start))
	}()

	if err := os.MkdirAll(report.SessionDir, 0o700); err != nil {
		return report, fmt.Errorf("failed to create session directory: %w", err)
	}
	sessionLog, err := os.OpenFile(filepath.Join(report.SessionDir, sessionLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return report, fmt.Errorf("failed to open session log: %w", err)
	}
	defer sessionLog.Close()

	logger.Info().
		Str("product", p.ProductName).
		Int("accounts", len(p.Accounts)).
		Msg("Starting scan session")

	run := &accountRun{o: o, profile: p, sessionLog: sessionLog, scanDate: start}
	for _, account := range p.Accounts {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Msg("Scan session interrupted")
			return report, err
		}

		log := logger.With().
			Str("env", account.EnvironmentID).
			Str("provider", string(account.Provider)).
			Logger()
		outcome := run.execute(ctx, log, account, report.SessionDir)
		report.Accounts = append(report.Accounts, outcome)

		if outcome.Delivered {
			o.metrics.IncAccountsDelivered(string(account.Provider))
			log.Info().Str("findings", outcome.FindingsPath).Msg("Findings delivered")
			continue
		}
		o.metrics.IncAccountFailures(string(account.Provider), string(outcome.Stage))
		log.Error().Err(outcome.Err).Str("stage", string(outcome.Stage)).Msg("Account failed")

		if outcome.Stage == StageAuth {
			return report, outcome.Err
		}
		if errors.Is(outcome.Err, context.Canceled) || errors.Is(outcome.Err, context.DeadlineExceeded) {
			return report, outcome.Err
		}
	}

	logger.Info().
		Int("delivered", report.Delivered()).
		Int("failed", report.Failed()).
		Msg("Scan session finished")
	return report, nil
}

// accountRun carries state shared by the accounts of one run. The backend
// session is opened by the first account that reaches the import step.
type accountRun struct {
	o          *Orchestrator
	profile    *profile.ScanProfile
	sessionLog io.Writer
	scanDate   time.Time
	backend    BackendSession
}

func (r *accountRun) execute(ctx context.Context, log zerolog.Logger, account profile.Account, sessionDir string) AccountOutcome {
	o := r.o
	out := AccountOutcome{EnvironmentID: account.EnvironmentID, Provider: account.Provider}
	fail := func(stage Stage, err error) AccountOutcome {
		out.Stage = stage
		out.Err = err
		return out
	}

	reportsDir := filepath.Join(sessionDir, engineDirName, account.EnvironmentID)
	if err := os.MkdirAll(reportsDir, 0o700); err != nil {
		return fail(StageConfig, fmt.Errorf("failed to create reports directory: %w", err))
	}

	cred, err := credentials.Resolve(account.CredentialID, r.profile.Credentials)
	if err != nil {
		return fail(StageCredentials, err)
	}
	artifact, err := wrappers.GenerateConfig(account, cred)
	if err != nil {
		return fail(StageConfig, err)
	}
	configPath := wrappers.ConfigPath(reportsDir, account.EnvironmentID)
	defer func() {
		if err := os.Remove(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("path", configPath).Msg("Failed to remove generated config")
		}
	}()
	if err := wrappers.WriteConfig(artifact, configPath); err != nil {
		return fail(StageConfig, err)
	}

	scanStart := o.now()
	rawPath, err := o.scanner.Execute(ctx, configPath, account, reportsDir, r.sessionLog)
	o.metrics.ObserveScanDuration(string(account.Provider), o.now().Sub(scanStart))
	if err != nil {
		return fail(StageScan, err)
	}

	enhancedPath := filepath.Join(reportsDir, fmt.Sprintf("cloudsploit-enhanced-report-%s.json", account.EnvironmentID))
	findingsPath, truncated, err := o.enhancer.EnhanceFile(rawPath, enhancedPath)
	if err != nil {
		return fail(StageEnhance, err)
	}
	out.FindingsPath = findingsPath
	out.Truncated = truncated
	o.metrics.AddTruncatedResources(truncated)

	if findings, err := engine.LoadFindings(findingsPath); err != nil {
		log.Warn().Err(err).Str("path", findingsPath).Msg("Failed to summarize findings, importing anyway")
	} else {
		out.Findings = len(findings)
		o.metrics.ObserveFindings(len(findings))
		summary := zerolog.Dict()
		for _, sc := range engine.Summarize(findings) {
			summary.Int(sc.Status, sc.Count)
		}
		log.Info().Int("findings", len(findings)).Dict("status", summary).Msg("Scan results")
	}

	if r.backend == nil {
		s, err := o.backend.Authenticate(ctx)
		if err != nil {
			if !defectdojo.IsAuthError(err) {
				err = &defectdojo.AuthError{Err: err}
			}
			return fail(StageAuth, err)
		}
		r.backend = s
	}

	product, err := r.backend.FindProductByName(ctx, r.profile.ProductName)
	if err != nil {
		return fail(StageProduct, err)
	}
	if product == nil {
		product, err = r.backend.CreateProduct(ctx, defectdojo.ProductSpec{
			Name: r.profile.ProductName,
			Type: o.dojo.ProductType,
		})
		if err != nil {
			return fail(StageProduct, err)
		}
	}

	engagement, err := r.backend.FindEngagementByName(ctx, o.dojo.EngagementName, product.ID)
	if err != nil {
		return fail(StageEngagement, err)
	}
	if engagement == nil {
		engagement, err = r.backend.CreateEngagement(ctx, defectdojo.EngagementSpec{
			Name:      o.dojo.EngagementName,
			ProductID: product.ID,
			Start:     o.dojo.EngagementStart,
			End:       o.dojo.EngagementEnd,
		})
		if err != nil {
			return fail(StageEngagement, err)
		}
	}

	var progress defectdojo.ProgressFunc
	if o.progress != nil {
		progress = defectdojo.ConsoleProgress(o.progress, log)
	}
	result, err := r.backend.ImportScan(ctx, defectdojo.ImportRequest{
		ProductName:     r.profile.ProductName,
		EngagementName:  o.dojo.EngagementName,
		FilePath:        findingsPath,
		ScanType:        o.dojo.ScanType,
		MinimumSeverity: o.dojo.MinimumSeverity,
		ScanDate:        r.scanDate,
	}, progress)
	if err != nil {
		return fail(StageImport, err)
	}
	if len(result.Raw) > 0 {
		log.Debug().RawJSON("response", result.Raw).Msg("Import response")
	}

	out.Stage = StageImport
	out.Delivered = true
	return out
}
