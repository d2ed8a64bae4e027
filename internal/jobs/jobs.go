// Package jobs defines the closed set of job kinds the worker executes.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names a job type on the wire.
type Kind string

// Supported job kinds.
const (
	KindPollMonitor              Kind = "poll-monitor"
	KindDisableInactiveMonitors  Kind = "disable-inactive-monitors"
	KindCleanupOrphanedSchedules Kind = "cleanup-orphaned-jobs"
)

// Task is one of PollMonitor, DisableInactiveMonitors, or CleanupOrphanedSchedules.
type Task interface {
	Kind() Kind
	isTask()
}

// PollMonitor polls one monitor.
type PollMonitor struct {
	MonitorID string `json:"monitorId"`
}

// DisableInactiveMonitors runs the inactive-owner sweep.
type DisableInactiveMonitors struct{}

// CleanupOrphanedSchedules runs the orphan sweep.
type CleanupOrphanedSchedules struct{}

func (PollMonitor) Kind() Kind              { return KindPollMonitor }
func (DisableInactiveMonitors) Kind() Kind  { return KindDisableInactiveMonitors }
func (CleanupOrphanedSchedules) Kind() Kind { return KindCleanupOrphanedSchedules }

func (PollMonitor) isTask()              {}
func (DisableInactiveMonitors) isTask()  {}
func (CleanupOrphanedSchedules) isTask() {}

// ErrUnknownKind is returned by Decode for kinds outside the closed set.
var ErrUnknownKind = errors.New("unknown job kind")

// Encode returns the wire kind and JSON payload for t.
func Encode(t Task) (string, []byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", t.Kind(), err)
	}
	return string(t.Kind()), b, nil
}

// Decode rebuilds a Task from its wire kind and payload.
func Decode(kind string, payload []byte) (Task, error) {
	switch Kind(kind) {
	case KindPollMonitor:
		var p PollMonitor
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if p.MonitorID == "" {
			return nil, fmt.Errorf("decode %s: missing monitorId", kind)
		}
		return p, nil
	case KindDisableInactiveMonitors:
		return DisableInactiveMonitors{}, nil
	case KindCleanupOrphanedSchedules:
		return CleanupOrphanedSchedules{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
