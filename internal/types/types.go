// Package types holds the shared data model for the curator command engine:
// interpretations, execution modes, records, previews and batch outcomes.
// It has no dependencies on other curator packages so every layer can use it.
package types

import (
	"time"
)

// OperationKind classifies what an interpretation asks the engine to do.
type OperationKind string

const (
	OpQuery       OperationKind = "query"
	OpCreate      OperationKind = "create"
	OpUpdate      OperationKind = "update"
	OpDelete      OperationKind = "delete"
	OpBatch       OperationKind = "batch"
	OpClarify     OperationKind = "clarify"
	OpUnsupported OperationKind = "unsupported"
)

// Mutating reports whether the operation changes persisted state.
func (k OperationKind) Mutating() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpBatch:
		return true
	}
	return false
}

// Mode is the per-session authorization level. It is request metadata
// declared by the caller, never inferred from utterance text.
type Mode int

const (
	ModeRead Mode = iota + 1
	ModeWrite
	ModePlan
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModePlan:
		return "plan"
	}
	return "unknown"
}

// ParseMode maps a mode name to a Mode. Unknown names yield zero.
func ParseMode(s string) Mode {
	switch s {
	case "read":
		return ModeRead
	case "write":
		return ModeWrite
	case "plan":
		return ModePlan
	}
	return 0
}

// Allows reports whether a session in mode m may run a command that
// requires the given mode. Write subsumes Read; nothing subsumes Write.
func (m Mode) Allows(required Mode) bool {
	if required == ModeWrite {
		return m == ModeWrite
	}
	return m == ModeRead || m == ModeWrite || m == ModePlan
}

// Interpretation is the structured, schema-validated representation of
// user intent produced by the interpreter. It is immutable after creation;
// a correction produces a new Interpretation.
type Interpretation struct {
	Operation      OperationKind  `json:"operation"`
	TargetType     string         `json:"target_type"`
	Parameters     map[string]any `json:"parameters"`
	Confidence     float64        `json:"confidence"`
	Message        string         `json:"message"`
	RawModelOutput string         `json:"-"`
}

// Record is one row in the domain data store.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PlanStatus tracks a write attempt through the two-phase protocol.
type PlanStatus string

const (
	PlanProposed  PlanStatus = "proposed"
	PlanPreviewed PlanStatus = "previewed"
	PlanConfirmed PlanStatus = "confirmed"
	PlanExpired   PlanStatus = "expired"
	PlanRejected  PlanStatus = "rejected"
)

// PreviewResult describes what a write would change, without side effects.
// It lives only between a preview and its matching confirm (or expiry).
type PreviewResult struct {
	PlanHash      string         `json:"plan_hash"`
	Command       string         `json:"command"`
	TargetType    string         `json:"target_type"`
	AffectedCount int            `json:"affected_count"`
	Sample        []Record       `json:"sample,omitempty"`
	Parameters    map[string]any `json:"parameters"`
	Message       string         `json:"message"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// BatchItemStatus is the outcome of one batch sub-operation.
type BatchItemStatus string

const (
	BatchItemSucceeded BatchItemStatus = "succeeded"
	BatchItemFailed    BatchItemStatus = "failed"
	BatchItemSkipped   BatchItemStatus = "skipped"
)

// BatchItem is one sub-operation in a homogeneous batch.
type BatchItem struct {
	Index      int            `json:"index"`
	Parameters map[string]any `json:"parameters"`
}

// BatchItemResult is the per-item outcome; the batch as a whole succeeds
// partially by design.
type BatchItemResult struct {
	Index   int             `json:"index"`
	Status  BatchItemStatus `json:"status"`
	Message string          `json:"message,omitempty"`
	Record  *Record         `json:"record,omitempty"`
	Preview *PreviewResult  `json:"preview,omitempty"`
}

// BatchResult aggregates the per-item outcomes.
type BatchResult struct {
	Items     []BatchItemResult `json:"items"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	DryRun    bool              `json:"dry_run"`
}

// ResultStatus is the machine-checkable status on every response.
type ResultStatus string

const (
	StatusOK      ResultStatus = "ok"
	StatusClarify ResultStatus = "clarify"
	StatusPreview ResultStatus = "preview"
	StatusError   ResultStatus = "error"
)

// Result is the uniform response shape for the engine's entry points.
type Result struct {
	Status  ResultStatus   `json:"status"`
	Message string         `json:"message"`
	Records []Record       `json:"records,omitempty"`
	Record  *Record        `json:"record,omitempty"`
	Preview *PreviewResult `json:"preview,omitempty"`
	Batch   *BatchResult   `json:"batch,omitempty"`
}

// ConversationTurn is a single turn of conversation history passed to the
// interpreter for follow-up resolution.
type ConversationTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}
