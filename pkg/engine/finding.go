package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Finding is one record of cloudsploit's --json output. Only the fields the
// pipeline reads are declared; the enhancer works on raw records so anything
// else is passed through untouched.
type Finding struct {
	Plugin      string `json:"plugin"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Resource    string `json:"resource"`
	Region      string `json:"region"`
	Status      string `json:"status"` // OK / WARN / FAIL / UNKNOWN
	Message     string `json:"message"`
}

// LoadFindings decodes a findings file.
func LoadFindings(path string) ([]Finding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var findings []Finding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("failed to parse findings %s: %w", path, err)
	}
	return findings, nil
}

// StatusCount is the number of findings reported with one status.
type StatusCount struct {
	Status string
	Count  int
}

// Summarize counts findings per status, most frequent first.
func Summarize(findings []Finding) []StatusCount {
	counts := make(map[string]int)
	for _, f := range findings {
		status := f.Status
		if status == "" {
			status = "UNKNOWN"
		}
		counts[status]++
	}
	out := make([]StatusCount, 0, len(counts))
	for s, c := range counts {
		out = append(out, StatusCount{Status: s, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Status < out[j].Status
	})
	return out
}
