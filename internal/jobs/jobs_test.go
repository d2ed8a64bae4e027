package jobs

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload string
		want    Task
		wantErr bool
	}{
		{name: "poll monitor", kind: "poll-monitor", payload: `{"monitorId":"abc"}`, want: PollMonitor{MonitorID: "abc"}},
		{name: "poll monitor without id", kind: "poll-monitor", payload: `{}`, wantErr: true},
		{name: "poll monitor bad json", kind: "poll-monitor", payload: `{`, wantErr: true},
		{name: "inactive sweep", kind: "disable-inactive-monitors", payload: `{}`, want: DisableInactiveMonitors{}},
		{name: "orphan sweep", kind: "cleanup-orphaned-jobs", payload: `{"type":"cleanup-orphaned-jobs"}`, want: CleanupOrphanedSchedules{}},
		{name: "unknown", kind: "send-email", payload: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.kind, []byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodePollMonitor(t *testing.T) {
	kind, payload, err := Encode(PollMonitor{MonitorID: "m-1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if diff := cmp.Diff("poll-monitor", kind); diff != "" {
		t.Errorf("kind mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(`{"monitorId":"m-1"}`, string(payload)); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeUnknownKindSentinel(t *testing.T) {
	_, err := Decode("nope", nil)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
