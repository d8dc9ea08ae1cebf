// Package events defines the wire schema and JetStream wiring for
// cross-device state convergence. The sync engine publishes events here;
// it consumes nothing directly — that's the daemon's job.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tummycrypt/tcfs/internal/vclock"
)

// Stream and consumer names used across the fleet.
const (
	StreamSyncTasks      = "SYNC_TASKS"
	StreamHydration      = "HYDRATION_EVENTS"
	StreamState          = "STATE_UPDATES"
	ConsumerSyncWorkers  = "sync-workers"
	stateConsumerPrefix  = "state-"
)

// StateEventType names one of the six event kinds, matching the JSON
// "type" discriminator.
type StateEventType string

const (
	EventFileSynced       StateEventType = "file_synced"
	EventFileDeleted      StateEventType = "file_deleted"
	EventFileRenamed      StateEventType = "file_renamed"
	EventDeviceOnline     StateEventType = "device_online"
	EventDeviceOffline    StateEventType = "device_offline"
	EventConflictResolved StateEventType = "conflict_resolved"
)

// StateEvent is a tagged union over the six state-change notifications
// published to STATE_UPDATES. Exactly one payload field group is set,
// selected by Type.
type StateEvent struct {
	Type      StateEventType `json:"type"`
	DeviceID  string         `json:"device_id"`
	Timestamp uint64         `json:"timestamp"`

	// FileSynced
	RelPath      string       `json:"rel_path,omitempty"`
	Blake3       string       `json:"blake3,omitempty"`
	Size         uint64       `json:"size,omitempty"`
	VClock       vclock.Clock `json:"vclock,omitempty"`
	ManifestPath string       `json:"manifest_path,omitempty"`

	// FileDeleted reuses RelPath/VClock above.

	// FileRenamed
	OldPath string `json:"old_path,omitempty"`
	NewPath string `json:"new_path,omitempty"`

	// DeviceOnline / DeviceOffline
	LastSeq uint64 `json:"last_seq,omitempty"`

	// ConflictResolved
	Resolution   string       `json:"resolution,omitempty"`
	MergedVClock vclock.Clock `json:"merged_vclock,omitempty"`
}

// Subject builds the STATE.{device_id}.{event_type} routing key.
func (e StateEvent) Subject() string {
	return fmt.Sprintf("STATE.%s.%s", e.DeviceID, e.Type)
}

// ToBytes serializes the event for publishing.
func (e StateEvent) ToBytes() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing state event: %v", errs.ErrParse, err)
	}
	return data, nil
}

// StateEventFromBytes parses a published state event.
func StateEventFromBytes(data []byte) (StateEvent, error) {
	var e StateEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return StateEvent{}, fmt.Errorf("%w: deserializing state event: %v", errs.ErrParse, err)
	}
	return e, nil
}

// NewFileSynced builds a FileSynced event.
func NewFileSynced(deviceID, relPath, blake3 string, size uint64, vc vclock.Clock, manifestPath string, now uint64) StateEvent {
	return StateEvent{
		Type:         EventFileSynced,
		DeviceID:     deviceID,
		Timestamp:    now,
		RelPath:      relPath,
		Blake3:       blake3,
		Size:         size,
		VClock:       vc,
		ManifestPath: manifestPath,
	}
}

// SyncTaskType names one of the three work-item kinds.
type SyncTaskType string

const (
	TaskPush   SyncTaskType = "push"
	TaskPull   SyncTaskType = "pull"
	TaskUnsync SyncTaskType = "unsync"
)

// SyncTask is a tagged union over the three unit-of-work kinds published
// to SYNC_TASKS.
type SyncTask struct {
	Type         SyncTaskType `json:"type"`
	TaskID       string       `json:"task_id"`
	LocalPath    string       `json:"local_path,omitempty"`
	RemotePrefix string       `json:"remote_prefix,omitempty"`
	ManifestPath string       `json:"manifest_path,omitempty"`
}

// ToBytes serializes the task for publishing.
func (t SyncTask) ToBytes() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing sync task: %v", errs.ErrParse, err)
	}
	return data, nil
}

// SyncTaskFromBytes parses a published sync task.
func SyncTaskFromBytes(data []byte) (SyncTask, error) {
	var t SyncTask
	if err := json.Unmarshal(data, &t); err != nil {
		return SyncTask{}, fmt.Errorf("%w: deserializing sync task: %v", errs.ErrParse, err)
	}
	return t, nil
}

// StateConsumerName builds the per-device durable consumer name for
// STATE_UPDATES.
func StateConsumerName(deviceID string) string {
	return stateConsumerPrefix + deviceID
}
