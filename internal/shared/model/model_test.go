package model

import (
	"encoding/json"
	"testing"
)

func TestRunStatus(t *testing.T) {
	tests := []struct {
		status   RunStatus
		want     string
		terminal bool
	}{
		{RunStatusQueued, "queued", false},
		{RunStatusRunning, "running", false},
		{RunStatusDone, "done", true},
		{RunStatusError, "error", true},
		{RunStatusCancelled, "cancelled", true},
	}

	for _, tt := range tests {
		if string(tt.status) != tt.want {
			t.Errorf("RunStatus = %v, want %v", tt.status, tt.want)
		}
		if tt.status.IsTerminal() != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, !tt.terminal, tt.terminal)
		}
	}
}

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunStatusQueued, RunStatusRunning, true},
		{RunStatusQueued, RunStatusDone, false},
		{RunStatusRunning, RunStatusDone, true},
		{RunStatusRunning, RunStatusError, true},
		{RunStatusRunning, RunStatusCancelled, true},
		{RunStatusRunning, RunStatusQueued, false},
		{RunStatusDone, RunStatusRunning, false},
		{RunStatusDone, RunStatusCancelled, false},
		{RunStatusCancelled, RunStatusDone, false},
		{RunStatusError, RunStatusDone, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSourcesFor(t *testing.T) {
	if got := SourcesFor(RunStatusRunning); len(got) != 1 || got[0] != RunStatusQueued {
		t.Errorf("SourcesFor(running) = %v", got)
	}
	if got := SourcesFor(RunStatusDone); len(got) != 1 || got[0] != RunStatusRunning {
		t.Errorf("SourcesFor(done) = %v", got)
	}
	if got := SourcesFor(RunStatusQueued); len(got) != 0 {
		t.Errorf("SourcesFor(queued) = %v, want empty", got)
	}
}

func TestJobType(t *testing.T) {
	for _, jt := range AllJobTypes {
		if !jt.Valid() {
			t.Errorf("%s should be valid", jt)
		}
	}
	if JobType("poem").Valid() {
		t.Error("unknown job type should be invalid")
	}
}

func TestEventKindTerminal(t *testing.T) {
	tests := []struct {
		kind   EventKind
		status RunStatus
	}{
		{EventKindStatus, ""},
		{EventKindDelta, ""},
		{EventKindReplace, ""},
		{EventKindStepResult, ""},
		{EventKindComplete, RunStatusDone},
		{EventKindError, RunStatusError},
		{EventKindCancelled, RunStatusCancelled},
	}

	for _, tt := range tests {
		if got := tt.kind.TerminalStatus(); got != tt.status {
			t.Errorf("%s.TerminalStatus() = %q, want %q", tt.kind, got, tt.status)
		}
		if tt.kind.IsTerminal() != (tt.status != "") {
			t.Errorf("%s.IsTerminal() mismatch", tt.kind)
		}
	}
}

func TestParseJobInput(t *testing.T) {
	in, err := ParseJobInput(json.RawMessage(`{"prompt":"q3 revenue","params":{"audience":"board"},"previous":{"run_id":"r1","status":"done","feedback":"shorter"}}`))
	if err != nil {
		t.Fatalf("ParseJobInput() error = %v", err)
	}
	if in.Prompt != "q3 revenue" {
		t.Errorf("Prompt = %q", in.Prompt)
	}
	if in.Previous == nil || in.Previous.RunID != "r1" || in.Previous.Feedback != "shorter" {
		t.Errorf("Previous = %+v", in.Previous)
	}

	empty, err := ParseJobInput(nil)
	if err != nil || empty.Prompt != "" {
		t.Errorf("ParseJobInput(nil) = %+v, %v", empty, err)
	}

	if _, err := ParseJobInput(json.RawMessage(`{`)); err == nil {
		t.Error("expected error for malformed input")
	}
}
