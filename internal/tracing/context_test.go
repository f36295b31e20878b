package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithTaskID(ctx, "rhythm:7")
	ctx = WithChannel(ctx, "telegram")

	if got := GetTraceID(ctx); got != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", got)
	}
	if got := GetUserID(ctx); got != "user-1" {
		t.Errorf("Expected user ID user-1, got %s", got)
	}
	if got := GetTaskID(ctx); got != "rhythm:7" {
		t.Errorf("Expected task ID rhythm:7, got %s", got)
	}
	if got := GetChannel(ctx); got != "telegram" {
		t.Errorf("Expected channel telegram, got %s", got)
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetUserID(ctx) != "" || GetTaskID(ctx) != "" || GetChannel(ctx) != "" {
		t.Error("Expected empty values on a bare context")
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{TraceID: "t", Channel: "whatsapp"})

	tc := FromContext(ctx)
	if tc.TraceID != "t" || tc.Channel != "whatsapp" {
		t.Errorf("Unexpected trace context %+v", tc)
	}
	if tc.UserID != "" || tc.TaskID != "" {
		t.Errorf("Unset fields leaked into context: %+v", tc)
	}
}

func TestNewTaskContext(t *testing.T) {
	parent := WithTraceID(context.Background(), "parent")
	ctx := NewTaskContext(parent, "pulse:3")

	if GetTaskID(ctx) != "pulse:3" {
		t.Error("Task ID not set")
	}
	if GetTraceID(ctx) == "" || GetTraceID(ctx) == "parent" {
		t.Error("Task context should start a fresh trace")
	}
}
