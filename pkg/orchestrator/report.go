package orchestrator

import (
	"time"

	"github.com/user/cloudscan/pkg/credentials"
)

// Stage names the pipeline step an account reached.
type Stage string

const (
	StageCredentials Stage = "credentials"
	StageConfig      Stage = "config"
	StageScan        Stage = "scan"
	StageEnhance     Stage = "enhance"
	StageAuth        Stage = "auth"
	StageProduct     Stage = "product"
	StageEngagement  Stage = "engagement"
	StageImport      Stage = "import"
)

// AccountOutcome is the terminal state of one account in a run. Stage is the
// step that failed, or StageImport when the findings were delivered.
type AccountOutcome struct {
	EnvironmentID string
	Provider      credentials.Provider
	Delivered     bool
	Stage         Stage
	Err           error
	FindingsPath  string
	Findings      int
	Truncated     int
}

type RunReport struct {
	SessionID  string
	RunID      string
	SessionDir string
	StartedAt  time.Time
	FinishedAt time.Time
	Accounts   []AccountOutcome
}

func (r *RunReport) Delivered() int {
	n := 0
	for _, a := range r.Accounts {
		if a.Delivered {
			n++
		}
	}
	return n
}

func (r *RunReport) Failed() int {
	return len(r.Accounts) - r.Delivered()
}
