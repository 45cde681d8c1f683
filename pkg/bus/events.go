package bus

import (
	"time"

	"github.com/google/uuid"
)

// Scan outcomes carried by ScanCompleted.
const (
	ScanStatusDone    = "done"
	ScanStatusPrivate = "private"
	ScanStatusFailed  = "failed"
)

// ScanRequested asks a scanner to analyze a hub repository.
type ScanRequested struct {
	ScanID       uuid.UUID  `json:"scan_id"`
	Repo         string     `json:"repo"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	RequestedAt  time.Time  `json:"requested_at"`
	// Source names the producer, "api" or "monitor".
	Source string `json:"source,omitempty"`
}

// MsgID deduplicates requests for the same repository revision.
func (r ScanRequested) MsgID() string {
	if r.LastModified == nil {
		return r.Repo
	}
	return r.Repo + "@" + r.LastModified.UTC().Format(time.RFC3339Nano)
}

// ScanCompleted reports the outcome of one scan.
type ScanCompleted struct {
	ScanID        uuid.UUID `json:"scan_id"`
	Repo          string    `json:"repo"`
	Status        string    `json:"status"`
	File          string    `json:"file,omitempty"`
	ContainsCode  bool      `json:"contains_code"`
	PayloadSHA256 string    `json:"payload_sha256,omitempty"`
	Quarantine    string    `json:"quarantine,omitempty"`
	Error         string    `json:"error,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}
