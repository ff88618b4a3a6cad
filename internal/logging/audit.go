package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names a state mutation recorded in the audit trail.
type AuditEventType string

const (
	AuditEntryWrite    AuditEventType = "entry_write"
	AuditEntryConflict AuditEventType = "entry_conflict"
	AuditEntryDropped  AuditEventType = "entry_dropped"

	AuditRequestSubmit AuditEventType = "request_submit"
	AuditRequestDecide AuditEventType = "request_decide"

	AuditMeetingTransition AuditEventType = "meeting_transition"
)

// AuditEvent is one JSON line in the audit log.
type AuditEvent struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	EventType AuditEventType         `json:"event"`
	Origin    string                 `json:"origin,omitempty"`
	Key       string                 `json:"key,omitempty"`
	Version   int64                  `json:"version,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes audit events scoped to one origin.
type AuditLogger struct {
	origin string
}

// InitAudit opens the audit log. No-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	file, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%s_audit.jsonl", date)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an audit logger scoped to origin.
func Audit(origin string) *AuditLogger {
	return &AuditLogger{origin: origin}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.Origin == "" {
		event.Origin = a.origin
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// EntryWrite records a persisted write.
func (a *AuditLogger) EntryWrite(key string, version int64) {
	a.Log(AuditEvent{EventType: AuditEntryWrite, Key: key, Version: version, Success: true})
}

// EntryConflict records a rejected compare-and-swap.
func (a *AuditLogger) EntryConflict(key string, expected int64) {
	a.Log(AuditEvent{EventType: AuditEntryConflict, Key: key, Version: expected})
}

// EntryDropped records a write that could not be serialized or persisted.
func (a *AuditLogger) EntryDropped(key string, err error) {
	a.Log(AuditEvent{EventType: AuditEntryDropped, Key: key, Error: err.Error()})
}

// RequestSubmit records a new access request.
func (a *AuditLogger) RequestSubmit(id, requester, area string) {
	a.Log(AuditEvent{
		EventType: AuditRequestSubmit,
		Target:    id,
		Success:   true,
		Fields:    map[string]interface{}{"requester": requester, "area": area},
	})
}

// RequestDecide records an approval or rejection.
func (a *AuditLogger) RequestDecide(id, status, by string) {
	a.Log(AuditEvent{
		EventType: AuditRequestDecide,
		Target:    id,
		Action:    status,
		Success:   true,
		Fields:    map[string]interface{}{"by": by},
	})
}

// MeetingTransition records a meeting status change.
func (a *AuditLogger) MeetingTransition(area, meetingID, status string) {
	a.Log(AuditEvent{
		EventType: AuditMeetingTransition,
		Target:    meetingID,
		Action:    status,
		Success:   true,
		Fields:    map[string]interface{}{"area": area},
	})
}
