// Package logging also provides audit logging: a JSONL trail of the
// domain-significant events that spec.md section 8's testable properties
// reference (session lifecycle, click integrity, checkpoint reaches, shard
// assignment). One JSON line per event, after a single "#" header line
// written when the file is opened; independent of the category log files.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType enumerates the audit-worthy domain events.
type AuditEventType string

const (
	AuditSessionCreated   AuditEventType = "session_created"
	AuditSessionDestroyed AuditEventType = "session_destroyed"
	AuditSessionCrashed   AuditEventType = "session_crashed"

	AuditCookieSaved    AuditEventType = "cookie_saved"
	AuditCookieDeferred AuditEventType = "cookie_deferred"

	AuditContainerMatch   AuditEventType = "container_match"
	AuditContainerNoMatch AuditEventType = "container_no_match"

	AuditOperationClick   AuditEventType = "operation_click"
	AuditOperationScroll  AuditEventType = "operation_scroll"
	AuditOperationType    AuditEventType = "operation_type"
	AuditOperationExtract AuditEventType = "operation_extract"

	AuditCheckpointReached     AuditEventType = "checkpoint_reached"
	AuditCheckpointUnreachable AuditEventType = "checkpoint_unreachable"

	AuditBlockStart    AuditEventType = "block_start"
	AuditBlockComplete AuditEventType = "block_complete"
	AuditBlockFailed   AuditEventType = "block_failed"

	AuditShardAssigned AuditEventType = "shard_assigned"
)

// AuditEvent is a single structured audit log entry.
type AuditEvent struct {
	Timestamp   int64                  `json:"ts"`
	EventType   AuditEventType         `json:"event"`
	ProfileID   string                 `json:"profile,omitempty"`
	SessionID   string                 `json:"session,omitempty"`
	ContainerID string                 `json:"container,omitempty"`
	BlockID     string                 `json:"block,omitempty"`
	Target      string                 `json:"target,omitempty"`
	Success     bool                   `json:"success"`
	DurationMs  int64                  `json:"dur_ms,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Message     string                 `json:"msg,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes scoped audit events.
type AuditLogger struct {
	profileID string
	sessionID string
}

// InitAudit opens today's audit log file, if debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the unscoped global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditForSession scopes an audit logger to a profile/session pair.
func AuditForSession(profileID, sessionID string) *AuditLogger {
	return &AuditLogger{profileID: profileID, sessionID: sessionID}
}

// Log writes one audit event as a JSON line.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.ProfileID == "" {
		event.ProfileID = a.profileID
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// SessionCreated logs a session creation.
func (a *AuditLogger) SessionCreated(profileID, sessionID string) {
	a.Log(AuditEvent{
		EventType: AuditSessionCreated,
		ProfileID: profileID,
		SessionID: sessionID,
		Success:   true,
		Message:   fmt.Sprintf("session created for profile %s", profileID),
	})
}

// SessionDestroyed logs a clean session teardown.
func (a *AuditLogger) SessionDestroyed(profileID, sessionID string, reason string) {
	a.Log(AuditEvent{
		EventType: AuditSessionDestroyed,
		ProfileID: profileID,
		SessionID: sessionID,
		Success:   true,
		Message:   reason,
	})
}

// SessionCrashed logs an abnormal session exit.
func (a *AuditLogger) SessionCrashed(profileID, sessionID string, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	a.Log(AuditEvent{
		EventType: AuditSessionCrashed,
		ProfileID: profileID,
		SessionID: sessionID,
		Success:   false,
		Error:     errMsg,
	})
}

// CookieSaved logs a successful cookie store write.
func (a *AuditLogger) CookieSaved(profileID string, count int) {
	a.Log(AuditEvent{
		EventType: AuditCookieSaved,
		ProfileID: profileID,
		Success:   true,
		Fields:    map[string]interface{}{"count": count},
	})
}

// CookieDeferred logs a save skipped because the snapshot was not yet stable.
func (a *AuditLogger) CookieDeferred(profileID, reason string) {
	a.Log(AuditEvent{
		EventType: AuditCookieDeferred,
		ProfileID: profileID,
		Success:   false,
		Message:   reason,
	})
}

// ContainerMatch logs a container match attempt.
func (a *AuditLogger) ContainerMatch(containerID string, matched bool, variant string) {
	ev := AuditContainerMatch
	if !matched {
		ev = AuditContainerNoMatch
	}
	a.Log(AuditEvent{
		EventType:   ev,
		ContainerID: containerID,
		Success:     matched,
		Fields:      map[string]interface{}{"variant": variant},
	})
}

// Click logs a rigid-click-gate outcome (spec.md testable property 4).
func (a *AuditLogger) Click(containerID string, x, y float64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:   AuditOperationClick,
		ContainerID: containerID,
		Success:     success,
		Error:       errMsg,
		Fields:      map[string]interface{}{"x": x, "y": y},
	})
}

// Extract logs an extract operation's row count.
func (a *AuditLogger) Extract(containerID string, rows int) {
	a.Log(AuditEvent{
		EventType:   AuditOperationExtract,
		ContainerID: containerID,
		Success:     rows > 0,
		Fields:      map[string]interface{}{"rows": rows},
	})
}

// CheckpointReached logs detector convergence.
func (a *AuditLogger) CheckpointReached(checkpoint string, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditCheckpointReached,
		Target:     checkpoint,
		Success:    true,
		DurationMs: durationMs,
	})
}

// CheckpointUnreachable logs detector timeout.
func (a *AuditLogger) CheckpointUnreachable(checkpoint string, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditCheckpointUnreachable,
		Target:     checkpoint,
		Success:    false,
		DurationMs: durationMs,
	})
}

// BlockResult logs a workflow block's terminal state.
func (a *AuditLogger) BlockResult(blockID string, success bool, durationMs int64, errMsg string) {
	ev := AuditBlockComplete
	if !success {
		ev = AuditBlockFailed
	}
	a.Log(AuditEvent{
		EventType:  ev,
		BlockID:    blockID,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
	})
}

// ShardAssigned logs a note's shard membership decision.
func (a *AuditLogger) ShardAssigned(noteID string, index, count int, included bool) {
	a.Log(AuditEvent{
		EventType: AuditShardAssigned,
		Target:    noteID,
		Success:   included,
		Fields:    map[string]interface{}{"index": index, "count": count},
	})
}
