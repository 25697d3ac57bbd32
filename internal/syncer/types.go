// Package syncer drives the optimistic push/pull reconciliation cycle
// against the remote authority and tracks per-record sync state.
package syncer

import "encoding/json"

// State enumerates the engine states.
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateSuccess   State = "success"
	StateError     State = "error"
	StateNoNetwork State = "no-network"
)

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the signed session token.
type LoginResponse struct {
	Token string `json:"token"`
}

// SyncRequest is the single outbound batch of POST /api/sync.
type SyncRequest struct {
	LastSyncTimestamp int64                        `json:"lastSyncTimestamp"`
	Changes           map[string][]json.RawMessage `json:"changes"`
	AuditLogs         []json.RawMessage            `json:"auditLogs"`
}

// RecordError reports a server rejection of one pushed record.
type RecordError struct {
	ClientRecordID string `json:"clientRecordId"`
	Message        string `json:"message"`
}

// Conflict reports a server-side conflict notice. Local state is not altered
// on conflicts beyond the ordinary apply.
type Conflict struct {
	Message    string `json:"message"`
	Collection string `json:"collection,omitempty"`
	RecordID   string `json:"recordId,omitempty"`
}

// SyncResponse is the server's answer to one sync batch.
type SyncResponse struct {
	Updates          map[string][]json.RawMessage `json:"updates"`
	Errors           []RecordError                `json:"errors"`
	Conflicts        []Conflict                   `json:"conflicts"`
	NewSyncTimestamp int64                        `json:"newSyncTimestamp"`
}

// BootstrapResponse is the full authoritative dataset for first-time setup.
type BootstrapResponse struct {
	Data             map[string][]json.RawMessage `json:"data"`
	NewSyncTimestamp int64                        `json:"newSyncTimestamp"`
}

// Outcome classifies the server's verdict on one pushed record.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeConflict Outcome = "superseded-by-conflict"
)

// RecordResult is the per-record result of one sync cycle.
type RecordResult struct {
	Collection string
	RecordID   string
	Outcome    Outcome
	Message    string
}

// Report summarizes one completed sync cycle.
type Report struct {
	Pushed    int
	Applied   int
	Results   []RecordResult
	Conflicts []Conflict
	Watermark int64
}
