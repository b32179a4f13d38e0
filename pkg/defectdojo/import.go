package defectdojo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultScanType        = "Cloudsploit Scan"
	DefaultMinimumSeverity = "High"
)

// ProgressFunc receives the bytes of the findings file sent so far.
type ProgressFunc func(sent, total int64)

type ImportRequest struct {
	ProductName     string
	EngagementName  string
	FilePath        string
	ScanType        string
	MinimumSeverity string
	ScanDate        time.Time
}

// ImportResult is the part of the import-scan answer the pipeline reports on.
type ImportResult struct {
	Test       int             `json:"test"`
	Engagement int             `json:"engagement"`
	Product    int             `json:"product"`
	ScanType   string          `json:"scan_type"`
	Raw        json.RawMessage `json:"-"`
}

func (r ImportRequest) fields() [][2]string {
	scanType := r.ScanType
	if scanType == "" {
		scanType = DefaultScanType
	}
	severity := r.MinimumSeverity
	if severity == "" {
		severity = DefaultMinimumSeverity
	}
	date := r.ScanDate
	if date.IsZero() {
		date = time.Now().UTC()
	}
	return [][2]string{
		{"scan_date", date.Format(time.DateOnly)},
		{"minimum_severity", severity},
		{"active", "true"},
		{"verified", "false"},
		{"scan_type", scanType},
		{"product_name", r.ProductName},
		{"engagement_name", r.EngagementName},
		{"close_old_findings", "false"},
		{"close_old_findings_product_scope", "false"},
		{"deduplication_on_engagement", "true"},
		{"push_to_jira", "false"},
		{"create_finding_groups_for_all_findings", "true"},
	}
}

// ImportScan uploads a findings file and blocks until the backend has
// processed it. The body is streamed, so the file is never held in memory.
func (s *Session) ImportScan(ctx context.Context, req ImportRequest, progress ProgressFunc) (*ImportResult, error) {
	f, err := os.Open(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open findings file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat findings file: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeImportBody(mw, req, f, info.Size(), progress))
	}()

	httpReq, err := s.client.newRequest(ctx, http.MethodPost, "/import-scan/", nil, pr, s.token)
	if err != nil {
		pr.Close()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	s.client.logger.Info().
		Str("scan_type", req.ScanType).
		Str("product", req.ProductName).
		Str("engagement", req.EngagementName).
		Str("file", req.FilePath).
		Msg("Importing scan results")

	var raw json.RawMessage
	if err := s.client.send(httpReq, &raw); err != nil {
		pr.Close()
		return nil, err
	}
	result := &ImportResult{Raw: raw}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, fmt.Errorf("failed to decode import response: %w", err)
	}
	s.client.logger.Info().Int("test_id", result.Test).Msg("Import scan completed")
	return result, nil
}

func writeImportBody(mw *multipart.Writer, req ImportRequest, file io.Reader, size int64, progress ProgressFunc) error {
	for _, kv := range req.fields() {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(req.FilePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, &progressReader{r: file, total: size, fn: progress}); err != nil {
		return err
	}
	return mw.Close()
}

type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}

// ConsoleProgress prints an in-place upload percentage to out and logs once
// when the whole file has been sent.
func ConsoleProgress(out io.Writer, logger zerolog.Logger) ProgressFunc {
	var once sync.Once
	return func(sent, total int64) {
		pct := 100.0
		if total > 0 {
			pct = float64(sent) / float64(total) * 100
		}
		fmt.Fprintf(out, "\rUploading file: %s%%", strconv.FormatFloat(pct, 'f', 2, 64))
		if sent >= total {
			once.Do(func() {
				fmt.Fprintln(out)
				logger.Info().Msg("Upload completed, waiting for response... this may take few minutes")
			})
		}
	}
}
