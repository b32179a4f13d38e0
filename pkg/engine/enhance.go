package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	ellipsis              = "..."
	fullResourcePathLabel = ". \n fullResourcePath: "
)

// Enhancer shortens resource identifiers that exceed the backend's component
// name limit. The full value is appended to the description so nothing is
// lost, and the most specific (trailing) part of the path is kept.
type Enhancer struct {
	maxResourceLen int
	logger         zerolog.Logger
}

func NewEnhancer(maxResourceLen int, logger zerolog.Logger) (*Enhancer, error) {
	if maxResourceLen <= len(ellipsis) {
		return nil, fmt.Errorf("max resource length must be greater than %d, got %d", len(ellipsis), maxResourceLen)
	}
	return &Enhancer{maxResourceLen: maxResourceLen, logger: logger}, nil
}

// Enhance returns records with overlong resources truncated, and how many were
// changed. Records within the limit are returned as the same bytes.
func (e *Enhancer) Enhance(records []json.RawMessage) ([]json.RawMessage, int, error) {
	out := make([]json.RawMessage, len(records))
	changed := 0
	for i, rec := range records {
		enhanced, ok, err := e.enhanceRecord(rec)
		if err != nil {
			return nil, 0, fmt.Errorf("finding #%d: %w", i, err)
		}
		if ok {
			changed++
		}
		out[i] = enhanced
	}
	return out, changed, nil
}

func (e *Enhancer) enhanceRecord(rec json.RawMessage) (json.RawMessage, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec, &fields); err != nil {
		return nil, false, err
	}

	resource, ok := stringField(fields, "resource")
	if !ok || utf8.RuneCountInString(resource) <= e.maxResourceLen {
		return rec, false, nil
	}

	description, _ := stringField(fields, "description")
	runes := []rune(resource)
	keep := e.maxResourceLen - len(ellipsis)
	short := ellipsis + string(runes[len(runes)-keep:])

	var err error
	if fields["description"], err = encode(description + fullResourcePathLabel + resource); err != nil {
		return nil, false, err
	}
	if fields["resource"], err = encode(short); err != nil {
		return nil, false, err
	}
	out, err := encode(fields)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// EnhanceFile enhances rawPath into enhancedPath. When no record needs
// changing nothing is written and rawPath is returned.
func (e *Enhancer) EnhanceFile(rawPath, enhancedPath string) (string, int, error) {
	data, err := os.ReadFile(rawPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read raw findings: %w", err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return "", 0, fmt.Errorf("failed to parse raw findings %s: %w", rawPath, err)
	}

	e.logger.Debug().Int("findings", len(records)).Msg("enhancing cloudsploit results")
	enhanced, changed, err := e.Enhance(records)
	if err != nil {
		return "", 0, err
	}
	e.logger.Info().Int("enhanced", changed).Int("findings", len(records)).Msg("entries enhanced")
	if changed == 0 {
		return rawPath, 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(enhanced); err != nil {
		return "", 0, fmt.Errorf("failed to encode enhanced findings: %w", err)
	}
	if err := os.WriteFile(enhancedPath, buf.Bytes(), 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write enhanced findings: %w", err)
	}
	e.logger.Info().Str("path", enhancedPath).Msg("enhanced output written")
	return enhancedPath, changed, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func encode(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	if len(out) == 0 {
		return nil, errors.New("empty encoding")
	}
	return out, nil
}
