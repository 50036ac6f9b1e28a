package model

import "time"

// State is a step of the upgrade state machine.
type State string

const (
	StateInit         State = "Init"
	StateValidated    State = "Validated"
	StateProvisioned  State = "Provisioned"
	StateTransferring State = "Transferring"
	StateVerified     State = "Verified"
	StateSwapReady    State = "SwapReady"
	StateDone         State = "Done"
	StateFailed       State = "Failed"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// TransferResult records what happened to one database of the plan.
type TransferResult struct {
	Database    string        `json:"database"`
	SourceCount int           `json:"sourceCount"`
	DestCount   int           `json:"destCount"`
	Bytes       int64         `json:"bytes"`
	Success     bool          `json:"success"`
	Skipped     bool          `json:"skipped,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// StageTiming is the wall time spent in one state.
type StageTiming struct {
	Stage    State         `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// UpgradeResult is the structured outcome of an upgrade run.
type UpgradeResult struct {
	RunID         string           `json:"runId"`
	Volume        string           `json:"volume"`
	BackupVolume  string           `json:"backupVolume,omitempty"`
	SourceVersion int              `json:"sourceVersion,omitempty"`
	TargetVersion int              `json:"targetVersion"`
	State         State            `json:"state"`
	FailedStage   State            `json:"failedStage,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Databases     []TransferResult `json:"databases"`
	Warnings      []string         `json:"warnings,omitempty"`
	Timings       []StageTiming    `json:"timings,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	FinishedAt    time.Time        `json:"finishedAt,omitempty"`
}

// Succeeded reports whether the run reached Done.
func (r *UpgradeResult) Succeeded() bool {
	return r != nil && r.State == StateDone
}

// Transferred counts databases that were actually moved.
func (r *UpgradeResult) Transferred() int {
	n := 0
	for _, d := range r.Databases {
		if d.Success {
			n++
		}
	}
	return n
}
