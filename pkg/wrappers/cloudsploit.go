package wrappers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/profile"
)

// maxStderrCapture bounds how much engine stderr is kept for the error message.
const maxStderrCapture = 4096

// ExecutionError reports a cloudsploit run that produced no usable findings.
type ExecutionError struct {
	EnvironmentID string
	Err           error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("cloudsploit scan of '%s' failed: %v", e.EnvironmentID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RawReportPath is where cloudsploit writes findings for an environment.
func RawReportPath(reportsDir, environmentID string) string {
	return filepath.Join(reportsDir, fmt.Sprintf("cloudsploit-report-%s.json", environmentID))
}

// ConfigPath is where the generated credentials file for an environment lives.
func ConfigPath(reportsDir, environmentID string) string {
	return filepath.Join(reportsDir, fmt.Sprintf("cloudsploit-config-%s.js", environmentID))
}

// CloudsploitWrapper runs the cloudsploit engine as a child process.
type CloudsploitWrapper struct {
	rootDir string
	command string
	args    []string
	prefix  string
	console io.Writer
	logger  zerolog.Logger
}

func NewCloudsploitWrapper(cfg config.CloudsploitConfig, logger zerolog.Logger) *CloudsploitWrapper {
	return &CloudsploitWrapper{
		rootDir: cfg.RootDir,
		command: cfg.Command,
		args:    cfg.Args,
		prefix:  cfg.ConsolePrefix,
		console: os.Stdout,
		logger:  logger.With().Str("component", "cloudsploit").Logger(),
	}
}

// WithConsole redirects the prefixed live output.
func (w *CloudsploitWrapper) WithConsole(out io.Writer) *CloudsploitWrapper {
	w.console = out
	return w
}

// ValidateInstall checks that rootDir holds a cloudsploit checkout.
func (w *CloudsploitWrapper) ValidateInstall() error {
	data, err := os.ReadFile(filepath.Join(w.rootDir, "package.json"))
	if err != nil {
		return config.Errorf("cloudsploit is not installed at %s: %w", w.rootDir, err)
	}
	var pkg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return config.Errorf("cloudsploit package.json at %s is unreadable: %w", w.rootDir, err)
	}
	if pkg.Name != "cloudsploit" {
		return config.Errorf("%s does not contain cloudsploit (package name %q)", w.rootDir, pkg.Name)
	}
	return nil
}

// Execute scans one account with the config at configPath and returns the path
// of the raw findings file. Engine output is copied verbatim to sessionLog and
// echoed to the console line by line. A non-zero exit code alone is not a
// failure; any stderr output or a missing findings file is.
func (w *CloudsploitWrapper) Execute(ctx context.Context, configPath string, account profile.Account, reportsDir string, sessionLog io.Writer) (string, error) {
	fail := func(err error) (string, error) {
		return "", &ExecutionError{EnvironmentID: account.EnvironmentID, Err: err}
	}

	configPath, err := filepath.Abs(configPath)
	if err != nil {
		return fail(err)
	}
	reportsDir, err = filepath.Abs(reportsDir)
	if err != nil {
		return fail(err)
	}
	outPath := RawReportPath(reportsDir, account.EnvironmentID)
	if err := os.Remove(outPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(fmt.Errorf("failed to clear stale report: %w", err))
	}

	args := append(append([]string{}, w.args...), "--config", configPath, "--console=none", "--json", outPath)
	cmd := exec.CommandContext(ctx, w.command, args...)
	cmd.Dir = w.rootDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(err)
	}

	w.logger.Info().
		Str("environment_id", account.EnvironmentID).
		Str("provider", string(account.Provider)).
		Msg("Starting cloudsploit scan")

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("failed to start %s: %w", w.command, err))
	}

	if sessionLog == nil {
		sessionLog = io.Discard
	}
	logOut := &syncWriter{w: sessionLog}
	consoleOut := &syncWriter{w: w.console}
	var errOut bytes.Buffer

	var g errgroup.Group
	g.Go(func() error {
		return pumpLines(stdout, logOut, consoleOut, w.prefix+" : ", nil)
	})
	g.Go(func() error {
		return pumpLines(stderr, logOut, consoleOut, w.prefix+" stderr : ", &errOut)
	})
	streamErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return fail(ctx.Err())
	}
	if streamErr != nil {
		return fail(fmt.Errorf("failed to read engine output: %w", streamErr))
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		w.logger.Warn().
			Str("environment_id", account.EnvironmentID).
			Int("exit_code", exitErr.ExitCode()).
			Msg("cloudsploit exited with a non-zero code")
	default:
		return fail(waitErr)
	}

	if msg := strings.TrimSpace(errOut.String()); msg != "" {
		return fail(fmt.Errorf("engine wrote to stderr: %s", msg))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fail(fmt.Errorf("findings file %s was not produced: %w", outPath, err))
	}

	w.logger.Info().
		Str("environment_id", account.EnvironmentID).
		Str("report", outPath).
		Msg("cloudsploit scan finished")
	return outPath, nil
}

// pumpLines copies r to log verbatim and to console with prefix, one line at a
// time. When capture is set it also keeps the first maxStderrCapture bytes.
func pumpLines(r io.Reader, log, console io.Writer, prefix string, capture *bytes.Buffer) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := log.Write(line); werr != nil {
				return drain(br, werr)
			}
			text := strings.TrimRight(string(line), "\r\n")
			if _, werr := fmt.Fprintf(console, "%s%s\n", prefix, text); werr != nil {
				return drain(br, werr)
			}
			if capture != nil && capture.Len() < maxStderrCapture {
				capture.Write(line[:min(len(line), maxStderrCapture-capture.Len())])
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// drain empties r so the child never blocks on a full pipe, then returns err.
func drain(r io.Reader, err error) error {
	_, _ = io.Copy(io.Discard, r)
	return err
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
