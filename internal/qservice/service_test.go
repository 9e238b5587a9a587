package qservice_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/apache/qakka/internal/audit"
	"github.com/apache/qakka/internal/qactor"
	"github.com/apache/qakka/internal/qmsg"
	"github.com/apache/qakka/internal/qservice"
	"github.com/apache/qakka/internal/registry"
	"github.com/apache/qakka/internal/sharding"
	"github.com/apache/qakka/internal/storage/local"
	"github.com/apache/qakka/internal/types"
)

func newService(t *testing.T) *qservice.Service {
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

	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	inflightMs := func(queueName string) int64 {
		def, err := reg.Get(queueName)
		if err != nil || def.InflightTimeoutMs == 0 {
			return 30_000
		}
		return def.InflightTimeoutMs
	}
	helper := qactor.NewHelper(store, auditLog, inflightMs)
	router := qactor.NewRouter(helper)
	t.Cleanup(router.StopAll)

	return qservice.New(reg, router, store, auditLog, "us-east")
}

func TestService_RoundTrip(t *testing.T) {
	svc := newService(t)

	if err := svc.CreateQueue(&registry.QueueDef{Name: "q1", PrimaryRegion: "us-east"}); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	messageID, err := svc.SendMessage("q1", "text/plain", []byte("hi"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	leased, err := svc.GetNextMessages("q1", 1)
	if err != nil {
		t.Fatalf("GetNextMessages: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("expected 1 leased message, got %d", len(leased))
	}
	if leased[0].MessageID != messageID {
		t.Fatalf("messageId mismatch: got %s want %s", leased[0].MessageID, messageID)
	}
	if !bytes.Equal(leased[0].Body, []byte("hi")) {
		t.Fatalf("body mismatch: got %q", leased[0].Body)
	}

	if err := svc.AckMessage("q1", leased[0].QueueMessageID); err != nil {
		t.Fatalf("AckMessage: %v", err)
	}

	entries, err := svc.GetAuditLogs(messageID)
	if err != nil {
		t.Fatalf("GetAuditLogs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries (SEND, GET, ACK), got %d", len(entries))
	}
	wantActions := []types.AuditAction{types.ActionSend, types.ActionGet, types.ActionAck}
	for i, want := range wantActions {
		if entries[i].Action != want {
			t.Fatalf("audit entry %d: got action %v, want %v", i, entries[i].Action, want)
		}
	}
}

func TestService_AckUnknownIsBadRequest(t *testing.T) {
	svc := newService(t)
	if err := svc.CreateQueue(&registry.QueueDef{Name: "q2", PrimaryRegion: "us-east"}); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	err := svc.AckMessage("q2", "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if !errors.Is(err, qservice.ErrBadRequest) {
		t.Fatalf("want ErrBadRequest, got %v", err)
	}
}

func TestService_CreateQueueIdempotent(t *testing.T) {
	svc := newService(t)
	def := &registry.QueueDef{Name: "q3", PrimaryRegion: "us-east"}
	if err := svc.CreateQueue(def); err != nil {
		t.Fatalf("first CreateQueue: %v", err)
	}
	if err := svc.CreateQueue(def); err != nil {
		t.Fatalf("second CreateQueue: %v", err)
	}
}

func TestService_SendUnknownQueueIsNotFound(t *testing.T) {
	svc := newService(t)
	_, err := svc.SendMessage("missing", "text/plain", []byte("x"))
	if !errors.Is(err, qservice.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestService_Replication(t *testing.T) {
	svc := newService(t)
	if err := svc.CreateQueue(&registry.QueueDef{
		Name:           "q6",
		PrimaryRegion:  "us-east",
		ReplicaRegions: []string{"us-west"},
	}); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	messageID, err := svc.SendMessage("q6", "text/plain", []byte("replicated"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	leased, err := svc.GetNextMessages("q6", 1)
	if err != nil {
		t.Fatalf("GetNextMessages: %v", err)
	}
	if len(leased) != 1 || leased[0].MessageID != messageID {
		t.Fatalf("expected local-region delivery of %s, got %+v", messageID, leased)
	}
}
