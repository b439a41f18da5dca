// Package types defines the core domain model shared across stagecoach.
package types

// JobID identifies a job within one pipeline run. Caller supplied, opaque.
type JobID string

// StageName is a member of a pipeline's declared stage sequence.
type StageName string

// TokenState is the lifecycle state of a callback token.
type TokenState string

const (
	TokenPending  TokenState = "pending"  // issued, awaiting redemption
	TokenRedeemed TokenState = "redeemed" // redeemed exactly once
	TokenExpired  TokenState = "expired"  // TTL elapsed before redemption
)

// SchemaVersion is the current snapshot layout version.
const SchemaVersion = 2

// ProgressEvent is an immutable record of a job's progress at a stage.
// The id/status/message/percentage fields are the stable wire contract.
type ProgressEvent struct {
	JobID      JobID     `json:"id"`
	Stage      StageName `json:"stage"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Percentage int       `json:"percentage"`

	EmittedAt int64  `json:"emitted_at"`         // Unix ms
	Seq       uint64 `json:"seq,omitempty"`      // per-job order, assigned by the tracker
	EventID   string `json:"event_id,omitempty"` // uuid, assigned by the tracker
	Pipeline  string `json:"pipeline,omitempty"`
}

// JobSnapshot is a point-in-time view of a job's progress.
type JobSnapshot struct {
	ID         JobID     `json:"id"`
	Pipeline   string    `json:"pipeline"`
	Stage      StageName `json:"stage"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Percentage int       `json:"percentage"`
	Terminal   bool      `json:"terminal"`
	Failed     bool      `json:"failed"`

	CreatedAt int64  `json:"created_at"` // Unix ms
	UpdatedAt int64  `json:"updated_at"` // Unix ms
	LastSeq   uint64 `json:"last_seq"`
}

// TokenRecord is the persisted side of a callback token. The raw token is
// never stored, only its digest.
type TokenRecord struct {
	Digest    string     `json:"digest"`
	JobID     JobID      `json:"job_id"`
	Pipeline  string     `json:"pipeline,omitempty"`
	Stage     StageName  `json:"stage,omitempty"`
	Work      string     `json:"work"`
	WorkID    string     `json:"work_id"`
	State     TokenState `json:"state"`
	IssuedAt  int64      `json:"issued_at"`            // Unix ms
	ExpiresAt int64      `json:"expires_at"`           // Unix ms
	SettledAt int64      `json:"settled_at,omitempty"` // Unix ms, redeemed or expired
}

// JobState is the durable form of one job: its snapshot plus history.
type JobState struct {
	Snapshot JobSnapshot     `json:"snapshot"`
	History  []ProgressEvent `json:"history"`
}

// SnapshotData is the full durable state written by the snapshot manager.
type SnapshotData struct {
	Jobs      map[string]map[JobID]*JobState `json:"jobs"` // pipeline -> job -> state
	Tokens    []TokenRecord                  `json:"tokens"`
	SchemaVer int                            `json:"schema_version"`
	LastSeq   uint64                         `json:"last_seq"` // last WAL seq folded into this snapshot
}
