package reaper_test

import (
	"testing"
	"time"

	"github.com/apache/qakka/internal/audit"
	"github.com/apache/qakka/internal/metrics"
	"github.com/apache/qakka/internal/qactor"
	"github.com/apache/qakka/internal/qmsg"
	"github.com/apache/qakka/internal/reaper"
	"github.com/apache/qakka/internal/sharding"
	"github.com/apache/qakka/internal/storage/local"
)

func newRouter(t *testing.T, inflightMs int64) *qactor.Router {
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
	helper := qactor.NewHelper(store, auditLog, func(string) int64 { return inflightMs })
	return qactor.NewRouter(helper)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestReaper_SweepRequeuesExpiredLease(t *testing.T) {
	router := newRouter(t, 1) // 1ms lease: expires almost immediately
	t.Cleanup(router.StopAll)

	a := router.Get("orders", "us-east")
	if _, err := a.Send("msg-1", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := a.Get(1); err != nil {
		t.Fatalf("Get: %v", err)
	}

	r := reaper.New(router, time.Millisecond)
	r.Start()
	t.Cleanup(r.Stop)

	waitFor(t, time.Second, func() bool {
		again, err := a.Get(1)
		if err != nil || len(again) != 1 {
			return false
		}
		return again[0].MessageID == "msg-1"
	})
}

func TestReaper_SweepIncrementsTimedOutMetric(t *testing.T) {
	router := newRouter(t, 1)
	t.Cleanup(router.StopAll)

	a := router.Get("orders", "us-east")
	if _, err := a.Send("msg-2", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := a.Get(1); err != nil {
		t.Fatalf("Get: %v", err)
	}

	var reg metrics.Registry
	r := reaper.New(router, time.Millisecond, reaper.WithMetrics(&reg))
	r.Start()
	t.Cleanup(r.Stop)

	key := metrics.QueueKey("orders", "us-east")
	waitFor(t, time.Second, func() bool {
		got := int64(0)
		reg.TimedOut.Each(func(k string, v int64) {
			if k == key {
				got = v
			}
		})
		return got >= 1
	})
}

func TestReaper_StopIsIdempotentAndClean(t *testing.T) {
	router := newRouter(t, 30_000)
	t.Cleanup(router.StopAll)

	r := reaper.New(router, time.Millisecond)
	r.Start()
	r.Stop()
	r.Stop() // must not panic or block on a second Stop
}
