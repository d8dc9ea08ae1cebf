// Package audit records a bounded in-memory and pluggable-sink trail of
// sync operations (pushes, pulls, conflict resolutions, key rotations) so
// an operator can answer "what did this device do to this file" after
// the fact.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tummycrypt/tcfs/internal/config"
)

// EventType classifies an audit event.
type EventType string

const (
	EventTypePush         EventType = "push"
	EventTypePull         EventType = "pull"
	EventTypeConflict     EventType = "conflict"
	EventTypeKeyRotation  EventType = "key_rotation"
	EventTypeSecretsSync  EventType = "secrets_sync"
)

// AuditEvent is a single recorded sync operation.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	DeviceID   string                 `json:"device_id,omitempty"`
	LocalPath  string                 `json:"local_path,omitempty"`
	RemotePath string                 `json:"remote_path,omitempty"`
	KeyVersion int                    `json:"key_version,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records sync-operation audit events.
type Logger interface {
	Log(event *AuditEvent) error

	LogPush(deviceID, localPath, remotePath string, success bool, err error, duration time.Duration, metadata map[string]interface{})
	LogPull(deviceID, localPath, remotePath string, success bool, err error, duration time.Duration, metadata map[string]interface{})
	LogConflict(deviceID, localPath, remotePath string, metadata map[string]interface{})
	LogKeyRotation(keyVersion int, success bool, err error)

	// GetEvents returns all in-memory audit events (for testing/querying).
	GetEvents() []*AuditEvent

	Close() error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter persists a single audit event somewhere durable.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger builds a Logger with no metadata redaction.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction builds a Logger that blanks the named metadata
// keys before they ever reach the writer or the in-memory buffer.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig builds a Logger wired to the sink named in cfg,
// optionally batched.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.SinkType {
	case "http":
		writer = NewHTTPSink(cfg.SinkEndpoint, nil)
	case "file":
		writer = NewFileSink(cfg.SinkFilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown audit sink type: %s", cfg.SinkType)
	}

	if cfg.BatchSize > 0 || cfg.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.BatchSize, cfg.FlushInterval, cfg.RetryCount, cfg.RetryBackoff)
	}

	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return NewLoggerWithRedaction(maxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log records one event, writing it to the sink and the bounded
// in-memory ring buffer. A sink failure is swallowed — audit logging
// must never block or fail a sync operation.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

func (l *auditLogger) LogPush(deviceID, localPath, remotePath string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypePush,
		Operation:  "push",
		DeviceID:   deviceID,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Success:    success,
		Duration:   duration,
		Metadata:   l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogPull(deviceID, localPath, remotePath string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypePull,
		Operation:  "pull",
		DeviceID:   deviceID,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Success:    success,
		Duration:   duration,
		Metadata:   l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogConflict records that a push or pull resolved to a conflict outcome
// (see internal/conflict.SyncOutcome) rather than a clean up-to-date or
// overwrite result.
func (l *auditLogger) LogConflict(deviceID, localPath, remotePath string, metadata map[string]interface{}) {
	l.Log(&AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeConflict,
		Operation:  "conflict",
		DeviceID:   deviceID,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Success:    false,
		Metadata:   l.redactMetadata(metadata),
	})
}

func (l *auditLogger) LogKeyRotation(keyVersion int, success bool, err error) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeKeyRotation,
		Operation:  "key_rotation",
		KeyVersion: keyVersion,
		Success:    success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns a copy of the in-memory audit buffer.
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes each event to stdout as a JSON line.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
