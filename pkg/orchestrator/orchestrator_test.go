package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/credentials"
	"github.com/user/cloudscan/pkg/defectdojo"
	"github.com/user/cloudscan/pkg/metrics"
	"github.com/user/cloudscan/pkg/profile"
	"github.com/user/cloudscan/pkg/wrappers"
)

// fakeScanner writes findings[env] as the raw report, or fails like the real
// executor when the environment has no entry.
type fakeScanner struct {
	findings    map[string]string
	calls       []string
	configsSeen map[string]string
}

func (s *fakeScanner) Execute(_ context.Context, configPath string, account profile.Account, reportsDir string, sessionLog io.Writer) (string, error) {
	s.calls = append(s.calls, account.EnvironmentID)
	if _, err := os.Stat(configPath); err != nil {
		return "", err
	}
	if s.configsSeen == nil {
		s.configsSeen = map[string]string{}
	}
	s.configsSeen[account.EnvironmentID] = configPath
	fmt.Fprintf(sessionLog, "scanning %s\n", account.EnvironmentID)

	body, ok := s.findings[account.EnvironmentID]
	if !ok {
		return "", &wrappers.ExecutionError{EnvironmentID: account.EnvironmentID, Err: errors.New("findings file was not produced")}
	}
	path := wrappers.RawReportPath(reportsDir, account.EnvironmentID)
	return path, os.WriteFile(path, []byte(body), 0o644)
}

type fakeBackend struct {
	authErr   error
	authCalls int

	products       []defectdojo.Product
	engagements    []defectdojo.Engagement
	createdProduct int
	imports        []defectdojo.ImportRequest
	importedData   []string
	failImportFor  string
}

func (b *fakeBackend) Authenticate(context.Context) (BackendSession, error) {
	b.authCalls++
	if b.authErr != nil {
		return nil, b.authErr
	}
	return b, nil
}

func (b *fakeBackend) FindProductByName(_ context.Context, name string) (*defectdojo.Product, error) {
	for i := range b.products {
		if b.products[i].Name == name {
			return &b.products[i], nil
		}
	}
	return nil, nil
}

func (b *fakeBackend) CreateProduct(_ context.Context, spec defectdojo.ProductSpec) (*defectdojo.Product, error) {
	b.createdProduct++
	b.products = append(b.products, defectdojo.Product{ID: len(b.products) + 1, Name: spec.Name, ProdType: spec.Type})
	return &b.products[len(b.products)-1], nil
}

func (b *fakeBackend) FindEngagementByName(_ context.Context, name string, productID int) (*defectdojo.Engagement, error) {
	for i := range b.engagements {
		if b.engagements[i].Name == name && b.engagements[i].Product == productID {
			return &b.engagements[i], nil
		}
	}
	return nil, nil
}

func (b *fakeBackend) CreateEngagement(_ context.Context, spec defectdojo.EngagementSpec) (*defectdojo.Engagement, error) {
	b.engagements = append(b.engagements, defectdojo.Engagement{ID: len(b.engagements) + 1, Name: spec.Name, Product: spec.ProductID})
	return &b.engagements[len(b.engagements)-1], nil
}

func (b *fakeBackend) ImportScan(_ context.Context, req defectdojo.ImportRequest, _ defectdojo.ProgressFunc) (*defectdojo.ImportResult, error) {
	if b.failImportFor != "" && strings.Contains(req.FilePath, b.failImportFor) {
		return nil, &defectdojo.BackendError{Method: "POST", Path: "/api/v2/import-scan/", StatusCode: 500, Body: "boom"}
	}
	data, err := os.ReadFile(req.FilePath)
	if err != nil {
		return nil, err
	}
	b.imports = append(b.imports, req)
	b.importedData = append(b.importedData, string(data))
	return &defectdojo.ImportResult{Test: len(b.imports)}, nil
}

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func newTestOrchestrator(t *testing.T, scanner Scanner, backend Backend) (*Orchestrator, *metrics.Pipeline) {
	t.Helper()
	cfg := &config.Config{
		Profiles: config.ProfilesConfig{RootDir: t.TempDir(), ConfigDirName: "configs", ReportsDirName: "reports"},
		DefectDojo: config.DefectDojoConfig{
			ResourceMaxLength: 20,
			EngagementName:    "DefaultEngagement",
			ProductType:       1,
			ScanType:          "Cloudsploit Scan",
			MinimumSeverity:   "High",
		},
	}
	m := metrics.New(prometheus.NewRegistry())
	o, err := New(cfg, scanner, backend, m, zerolog.Nop())
	require.NoError(t, err)
	o.now = func() time.Time { return fixedNow }
	return o, m
}

func twoAccountProfile() *profile.ScanProfile {
	return &profile.ScanProfile{
		ProductName: "Acme",
		Accounts: []profile.Account{
			{EnvironmentID: "a1", Provider: credentials.AWS, CredentialID: "aws"},
			{EnvironmentID: "a2", Provider: credentials.Azure, CredentialID: "az"},
		},
		Credentials: map[string]credentials.ProviderCredential{
			"aws": credentials.AWSCredential{AccessKey: "AK", SecretAccessKey: "SK"},
			"az":  credentials.AzureCredential{ApplicationID: "app", KeyValue: "kv", DirectoryID: "dir", SubscriptionID: "sub"},
		},
	}
}

func TestRunOnce_FirstAccountFailsSecondDelivered(t *testing.T) {
	scanner := &fakeScanner{findings: map[string]string{"a2": `[{"plugin":"p","resource":"r","status":"FAIL"}]`}}
	backend := &fakeBackend{}
	o, m := newTestOrchestrator(t, scanner, backend)

	report, err := o.RunOnce(context.Background(), twoAccountProfile())
	require.NoError(t, err)

	assert.Equal(t, "Acme-20240506-070809", report.SessionID)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Accounts, 2)

	a1 := report.Accounts[0]
	assert.False(t, a1.Delivered)
	assert.Equal(t, StageScan, a1.Stage)
	var execErr *wrappers.ExecutionError
	assert.ErrorAs(t, a1.Err, &execErr)

	a2 := report.Accounts[1]
	assert.True(t, a2.Delivered)
	assert.NoError(t, a2.Err)
	assert.Equal(t, 1, a2.Findings)

	require.Len(t, backend.imports, 1)
	assert.Equal(t, "Acme", backend.imports[0].ProductName)
	assert.Equal(t, "DefaultEngagement", backend.imports[0].EngagementName)
	assert.Equal(t, fixedNow, backend.imports[0].ScanDate)
	assert.Equal(t, 1, backend.authCalls)
	assert.Equal(t, 1, report.Delivered())
	assert.Equal(t, 1, report.Failed())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountsDelivered.WithLabelValues("azure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountFailures.WithLabelValues("aws", "scan")))
}

// shellEngine is a cloudsploit stand-in run through /bin/sh by the real
// wrapper. $cfg and $out hold the --config and --json arguments.
func shellEngine(t *testing.T, body string) *wrappers.CloudsploitWrapper {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	root := t.TempDir()
	script := `while [ $# -gt 0 ]; do
  case "$1" in
    --json) out="$2"; shift ;;
    --config) cfg="$2"; shift ;;
  esac
  shift
done
` + body
	require.NoError(t, os.WriteFile(filepath.Join(root, "engine.sh"), []byte(script), 0o755))
	return wrappers.NewCloudsploitWrapper(config.CloudsploitConfig{
		RootDir:       root,
		Command:       "/bin/sh",
		Args:          []string{"engine.sh"},
		ConsolePrefix: "cloud-sploit",
	}, zerolog.Nop()).WithConsole(io.Discard)
}

func TestRunOnce_EngineExitsWithoutFindingsThenNextAccountDelivered(t *testing.T) {
	engine := shellEngine(t, `case "$cfg" in
  *config-a1.js)
    echo "a1: unable to list buckets"
    exit 2 ;;
esac
grep -q '"application_id": "app"' "$cfg" || echo "azure section missing" >&2
printf '[{"plugin":"vmEncryption","resource":"vm-1","status":"FAIL"}]' > "$out"
`)
	backend := &fakeBackend{}
	o, _ := newTestOrchestrator(t, engine, backend)

	report, err := o.RunOnce(context.Background(), twoAccountProfile())
	require.NoError(t, err)
	require.Len(t, report.Accounts, 2)

	a1 := report.Accounts[0]
	assert.False(t, a1.Delivered)
	assert.Equal(t, StageScan, a1.Stage)
	var execErr *wrappers.ExecutionError
	require.ErrorAs(t, a1.Err, &execErr)
	assert.Equal(t, "a1", execErr.EnvironmentID)
	assert.Contains(t, a1.Err.Error(), "was not produced")

	a2 := report.Accounts[1]
	assert.True(t, a2.Delivered, "a2 error: %v", a2.Err)
	assert.Equal(t, 1, a2.Findings)
	require.Len(t, backend.imports, 1)
	assert.Contains(t, backend.importedData[0], "vmEncryption")

	for _, env := range []string{"a1", "a2"} {
		assert.NoFileExists(t, filepath.Join(report.SessionDir, "cloudsploit", env, "cloudsploit-config-"+env+".js"))
	}
	log, err := os.ReadFile(filepath.Join(report.SessionDir, "cloudsploit-console.log"))
	require.NoError(t, err)
	assert.Equal(t, "a1: unable to list buckets\n", string(log))
}

func TestRunOnce_UnreadableSummaryIsLoggedAndImported(t *testing.T) {
	scanner := &fakeScanner{findings: map[string]string{"a1": `[{"plugin":"p","resource":"r","status":5}]`}}
	backend := &fakeBackend{}
	o, _ := newTestOrchestrator(t, scanner, backend)
	var logs bytes.Buffer
	o.logger = zerolog.New(&logs)

	p := twoAccountProfile()
	p.Accounts = p.Accounts[:1]
	report, err := o.RunOnce(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, report.Accounts[0].Delivered)
	assert.Zero(t, report.Accounts[0].Findings)
	assert.Len(t, backend.imports, 1)
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "Failed to summarize findings")
}

func TestRunOnce_SessionLayoutAndConfigCleanup(t *testing.T) {
	scanner := &fakeScanner{findings: map[string]string{
		"a1": `[]`,
		"a2": `[]`,
	}}
	o, _ := newTestOrchestrator(t, scanner, &fakeBackend{})

	report, err := o.RunOnce(context.Background(), twoAccountProfile())
	require.NoError(t, err)

	wantDir := filepath.Join(o.profiles.RootDir, "Acme", "reports", "Acme-20240506-070809")
	assert.Equal(t, wantDir, report.SessionDir)

	for _, env := range []string{"a1", "a2"} {
		reportsDir := filepath.Join(wantDir, "cloudsploit", env)
		assert.Equal(t, filepath.Join(reportsDir, "cloudsploit-config-"+env+".js"), scanner.configsSeen[env])
		assert.NoFileExists(t, scanner.configsSeen[env])
		assert.FileExists(t, filepath.Join(reportsDir, "cloudsploit-report-"+env+".json"))
	}

	log, err := os.ReadFile(filepath.Join(wantDir, "cloudsploit-console.log"))
	require.NoError(t, err)
	assert.Equal(t, "scanning a1\nscanning a2\n", string(log))
}

func TestRunOnce_ProductCreatedOnce(t *testing.T) {
	scanner := &fakeScanner{findings: map[string]string{"a1": `[]`, "a2": `[]`}}
	backend := &fakeBackend{}
	o, _ := newTestOrchestrator(t, scanner, backend)

	report, err := o.RunOnce(context.Background(), twoAccountProfile())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered())
	assert.Equal(t, 1, backend.createdProduct)
	assert.Len(t, backend.engagements, 1)
	assert.Len(t, backend.imports, 2)
}

func TestRunOnce_ImportFailureIsIsolated(t *testing.T) {
	scanner := &fakeScanner{findings: map[string]string{"a1": `[]`, "a2": `[]`}}
	backend := &fakeBackend{failImportFor: "report-a1"}
	o, _ := newTestOrchestrator(t, scanner, backend)

	report, err := o.RunOnce(context.Background(), twoAccountProfile())
	require.NoError(t, err)
	require.Len(t, report.Accounts, 2)

	assert.Equal(t, StageImport, report.Accounts[0].Stage)
	assert.False(t, report.Accounts[0].Delivered)
	var backendErr *defectdojo.BackendError
	assert.ErrorAs(t, report.Accounts[0].Err, &backendErr)

	assert.True(t, report.Accounts[1].Delivered)
	assert.Equal(t, []string{"a1", "a2"}, scanner.calls)
}

func TestRunOnce_TruncatedFindingsAreImported(t *testing.T) {
	long := strings.Repeat("X", 50)
	scanner := &fakeScanner{findings: map[string]string{
		"a1": `[{"plugin":"p","resource":"` + long + `","description":"d"}]`,
	}}
	backend := &fakeBackend{}
	o, m := newTestOrchestrator(t, scanner, backend)

	p := twoAccountProfile()
	p.Accounts = p.Accounts[:1]
	report, err := o.RunOnce(context.Background(), p)
	require.NoError(t, err)

	a1 := report.Accounts[0]
	assert.True(t, a1.Delivered)
	assert.Equal(t, 1, a1.Truncated)
	assert.Equal(t, "cloudsploit-enhanced-report-a1.json", filepath.Base(a1.FindingsPath))
	require.Len(t, backend.importedData, 1)
	assert.Contains(t, backend.importedData[0], `"...`+strings.Repeat("X", 17)+`"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TruncatedResources))
}

func TestRunOnce_AuthErrorAbortsRun(t *testing.T) {
	scanner := &fakeScanner{findings: map[string]string{"a1": `[]`, "a2": `[]`}}
	backend := &fakeBackend{authErr: &defectdojo.AuthError{Err: errors.New("bad login")}}
	o, _ := newTestOrchestrator(t, scanner, backend)

	report, err := o.RunOnce(context.Background(), twoAccountProfile())
	require.Error(t, err)
	assert.True(t, defectdojo.IsAuthError(err))
	require.Len(t, report.Accounts, 1)
	assert.Equal(t, StageAuth, report.Accounts[0].Stage)
	assert.Equal(t, []string{"a1"}, scanner.calls)
}

func TestRunOnce_InvalidProfileStopsBeforeAnyAccount(t *testing.T) {
	scanner := &fakeScanner{}
	o, _ := newTestOrchestrator(t, scanner, &fakeBackend{})

	p := twoAccountProfile()
	p.Accounts[1].EnvironmentID = "a1"
	_, err := o.RunOnce(context.Background(), p)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Empty(t, scanner.calls)
}

func TestRunOnce_CanceledContext(t *testing.T) {
	scanner := &fakeScanner{findings: map[string]string{"a1": `[]`, "a2": `[]`}}
	o, _ := newTestOrchestrator(t, scanner, &fakeBackend{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.RunOnce(ctx, twoAccountProfile())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Accounts)
	assert.Empty(t, scanner.calls)
}

func TestNew_RejectsTinyResourceLimit(t *testing.T) {
	_, err := New(&config.Config{DefectDojo: config.DefectDojoConfig{ResourceMaxLength: 3}}, &fakeScanner{}, &fakeBackend{}, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	assert.True(t, config.IsConfigError(err))
}
