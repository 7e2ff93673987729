package domain

import "time"

type RunStatus string

const (
	RunStarted   RunStatus = "STARTED"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// RunRecord is one row of the control.ingest_runs audit trail. Rows are
// inserted STARTED, finalized exactly once to SUCCEEDED or FAILED, and
// never deleted.
type RunRecord struct {
	RunID           int64      `json:"run_id"`
	Source          string     `json:"source"`
	Endpoint        string     `json:"endpoint"`
	Status          RunStatus  `json:"status"`
	LastIndexedDate *time.Time `json:"last_indexed_date,omitempty"`
	RowsLoaded      int64      `json:"rows_loaded"`
	Notes           *string    `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// RunSummary reports the outcome of one pipeline invocation.
type RunSummary struct {
	RunID           int64
	Source          string
	Endpoint        string
	Status          RunStatus
	RowsLoaded      int64
	Pages           int
	LastIndexedDate *time.Time
	Capped          bool
}

// Watermark is the resolved high-water mark for one (source, endpoint)
// pair: the maximum last_indexed_date among its SUCCEEDED runs.
type Watermark struct {
	Source          string    `json:"source"`
	Endpoint        string    `json:"endpoint"`
	LastIndexedDate time.Time `json:"last_indexed_date"`
}
