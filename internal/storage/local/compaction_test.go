package local

import (
	"context"
	"testing"
	"time"

	"github.com/apache/qakka/internal/storage"
	"github.com/apache/qakka/internal/types"
)

func TestCompaction_RunOnce_RemovesUnreferencedBodies(t *testing.T) {
	e := openTestEngine(t)

	live := &types.Body{MessageID: "live", Data: []byte("keep me")}
	dead := &types.Body{MessageID: "dead", Data: []byte("drop me")}
	if err := e.WriteBody(live); err != nil {
		t.Fatalf("WriteBody(live): %v", err)
	}
	if err := e.WriteBody(dead); err != nil {
		t.Fatalf("WriteBody(dead): %v", err)
	}
	if err := e.AdjustBodyRefCount("live", 1); err != nil {
		t.Fatalf("AdjustBodyRefCount: %v", err)
	}
	// dead keeps its default zero ref count, making it a compaction candidate.

	c := NewCompactor(e, time.Hour, time.Hour)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, err := e.LoadBody("dead"); err != storage.ErrNotFound {
		t.Errorf("LoadBody(dead) after compaction = %v, want ErrNotFound", err)
	}
	got, err := e.LoadBody("live")
	if err != nil {
		t.Fatalf("LoadBody(live) after compaction: %v", err)
	}
	if string(got.Data) != "keep me" {
		t.Errorf("LoadBody(live).Data = %q, want %q", got.Data, "keep me")
	}
}

func TestCompaction_RunOnce_NoopWhenNothingOrphaned(t *testing.T) {
	e := openTestEngine(t)

	b := &types.Body{MessageID: "m1", Data: []byte("x")}
	if err := e.WriteBody(b); err != nil {
		t.Fatalf("WriteBody: %v", err)
	}
	if err := e.AdjustBodyRefCount("m1", 1); err != nil {
		t.Fatalf("AdjustBodyRefCount: %v", err)
	}

	c := NewCompactor(e, time.Hour, time.Hour)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := e.LoadBody("m1")
	if err != nil {
		t.Fatalf("LoadBody after noop compaction: %v", err)
	}
	if string(got.Data) != "x" {
		t.Errorf("LoadBody.Data = %q, want x", got.Data)
	}
}

func TestCompaction_StartStop_IsClean(t *testing.T) {
	e := openTestEngine(t)
	c := NewCompactor(e, 10*time.Millisecond, time.Hour)
	c.Start()
	time.Sleep(25 * time.Millisecond)
	c.Stop()
}
