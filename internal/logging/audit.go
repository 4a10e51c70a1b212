package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies what happened. The set is closed; dashboards
// and tests key off these strings.
type AuditEventType string

const (
	AuditSanitizeVerdict AuditEventType = "sanitize_verdict"
	AuditSanitizeReject  AuditEventType = "sanitize_reject"

	AuditInterpretation AuditEventType = "interpretation"
	AuditClarify        AuditEventType = "clarify"

	AuditDispatch       AuditEventType = "dispatch"
	AuditDispatchDenied AuditEventType = "dispatch_denied"

	AuditPreview        AuditEventType = "preview"
	AuditConfirm        AuditEventType = "confirm"
	AuditConfirmReject  AuditEventType = "confirm_reject"
	AuditPreviewExpired AuditEventType = "preview_expired"

	AuditBatchSummary AuditEventType = "batch_summary"

	AuditSessionStart  AuditEventType = "session_start"
	AuditSessionEnd    AuditEventType = "session_end"
	AuditSessionCancel AuditEventType = "session_cancel"

	AuditCacheInvalidate AuditEventType = "cache_invalidate"
)

// AuditEvent is one structured entry in the audit trail.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	SessionID  string         `json:"session,omitempty"`
	RequestID  string         `json:"req,omitempty"`
	Target     string         `json:"target,omitempty"`
	Action     string         `json:"action,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// AuditLog appends events to a JSON-lines file. Safe for concurrent use.
// A zero-value AuditLog (or a failed open) degrades to a no-op so audit
// plumbing never takes the engine down.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenAudit opens (creating if needed) the audit file at path.
func OpenAudit(path string) (*AuditLog, error) {
	if path == "" {
		return &AuditLog{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLog{file: f, enc: json.NewEncoder(f)}, nil
}

// Record appends one event, stamping the timestamp if unset.
func (a *AuditLog) Record(ev AuditEvent) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	_ = a.enc.Encode(ev)
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.enc = nil
	return err
}
