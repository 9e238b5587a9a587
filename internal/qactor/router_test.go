package qactor_test

import (
	"testing"

	"github.com/apache/qakka/internal/qactor"
)

func TestRouter_GetIsStableAndLazy(t *testing.T) {
	helper := newHelper(t, 30_000)
	r := qactor.NewRouter(helper)
	t.Cleanup(r.StopAll)

	a1 := r.Get("orders", "us-east")
	a2 := r.Get("orders", "us-east")
	if a1 != a2 {
		t.Fatal("Get returned different actors for the same (queue, region) pair")
	}

	b := r.Get("orders", "eu-west")
	if a1 == b {
		t.Fatal("Get returned the same actor for different regions")
	}
}

func TestRouter_RemoveStopsActor(t *testing.T) {
	helper := newHelper(t, 30_000)
	r := qactor.NewRouter(helper)
	t.Cleanup(r.StopAll)

	a := r.Get("orders", "us-east")
	r.Remove("orders", "us-east")

	if _, err := a.Send("msg-1", nil); err == nil {
		t.Fatal("expected removed actor to be stopped")
	}

	again := r.Get("orders", "us-east")
	if again == a {
		t.Fatal("Get after Remove should create a fresh actor")
	}
}

func TestRouter_RemoveQueueStopsAllRegions(t *testing.T) {
	helper := newHelper(t, 30_000)
	r := qactor.NewRouter(helper)
	t.Cleanup(r.StopAll)

	east := r.Get("orders", "us-east")
	west := r.Get("orders", "eu-west")
	other := r.Get("payments", "us-east")

	r.RemoveQueue("orders")

	if _, err := east.Send("msg-1", nil); err == nil {
		t.Fatal("expected orders/us-east actor to be stopped")
	}
	if _, err := west.Send("msg-1", nil); err == nil {
		t.Fatal("expected orders/eu-west actor to be stopped")
	}
	if _, err := other.Send("msg-1", nil); err != nil {
		t.Fatalf("payments/us-east actor should be unaffected, got %v", err)
	}
}

func TestRouter_Each(t *testing.T) {
	helper := newHelper(t, 30_000)
	r := qactor.NewRouter(helper)
	t.Cleanup(r.StopAll)

	r.Get("orders", "us-east")
	r.Get("payments", "us-east")

	seen := make(map[string]bool)
	r.Each(func(a *qactor.Actor) { seen[a.QueueName] = true })

	if !seen["orders"] || !seen["payments"] {
		t.Fatalf("Each did not visit every actor, saw %+v", seen)
	}
}

func TestRouter_StopAll(t *testing.T) {
	helper := newHelper(t, 30_000)
	r := qactor.NewRouter(helper)

	a := r.Get("orders", "us-east")
	r.StopAll()

	if _, err := a.Send("msg-1", nil); err == nil {
		t.Fatal("expected actor to be stopped after StopAll")
	}
}
