package qactor_test

import (
	"errors"
	"testing"
	"time"

	"github.com/apache/qakka/internal/audit"
	"github.com/apache/qakka/internal/qactor"
	"github.com/apache/qakka/internal/qmsg"
	"github.com/apache/qakka/internal/sharding"
	"github.com/apache/qakka/internal/storage/local"
)

func newHelper(t *testing.T, inflightMs int64) *qactor.Helper {
	t.Helper()
	eng, err := local.Open(t.TempDir())
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	counter := sharding.NewCounter(eng)
	strategy := sharding.NewStrategy(eng, counter)
	store := qmsg.New(eng, strategy, counter)
	auditLog := audit.New(eng)
	return qactor.NewHelper(store, auditLog, func(string) int64 { return inflightMs })
}

func TestActor_SendGetAck(t *testing.T) {
	helper := newHelper(t, 30_000)
	a := qactor.NewActor("orders", "us-east", helper)
	t.Cleanup(a.Stop)

	if _, err := a.Send("msg-1", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	leased, err := a.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(leased) != 1 || leased[0].MessageID != "msg-1" {
		t.Fatalf("Get returned %+v, want one pointer for msg-1", leased)
	}

	if err := a.Ack(leased[0].QueueMessageID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if err := a.Ack(leased[0].QueueMessageID); !errors.Is(err, qactor.ErrNotFound) {
		t.Fatalf("second Ack: want ErrNotFound, got %v", err)
	}
}

func TestActor_NackReturnsMessageToAvailable(t *testing.T) {
	helper := newHelper(t, 30_000)
	a := qactor.NewActor("orders", "us-east", helper)
	t.Cleanup(a.Stop)

	if _, err := a.Send("msg-2", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	leased, err := a.Get(1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("Get: %v, %+v", err, leased)
	}

	if err := a.Nack(leased[0].QueueMessageID); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	again, err := a.Get(1)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if len(again) != 1 || again[0].MessageID != "msg-2" {
		t.Fatalf("expected nacked message to be re-leasable, got %+v", again)
	}
}

func TestActor_TimeoutReturnsExpiredLease(t *testing.T) {
	helper := newHelper(t, 1) // 1ms lease: expires almost immediately
	a := qactor.NewActor("orders", "us-east", helper)
	t.Cleanup(a.Stop)

	if _, err := a.Send("msg-3", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := a.Get(1); err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	n, err := a.Timeout()
	if err != nil {
		t.Fatalf("Timeout: %v", err)
	}
	if n != 1 {
		t.Fatalf("Timeout returned %d, want 1", n)
	}

	again, err := a.Get(1)
	if err != nil {
		t.Fatalf("Get after timeout: %v", err)
	}
	if len(again) != 1 || again[0].MessageID != "msg-3" {
		t.Fatalf("expected timed-out message to be re-leasable, got %+v", again)
	}
}

func TestActor_StopRejectsFurtherRequests(t *testing.T) {
	helper := newHelper(t, 30_000)
	a := qactor.NewActor("orders", "us-east", helper)
	a.Stop()

	if _, err := a.Send("msg-4", nil); !errors.Is(err, qactor.ErrStopped) {
		t.Fatalf("Send after Stop: want ErrStopped, got %v", err)
	}
}
