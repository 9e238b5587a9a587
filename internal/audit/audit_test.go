package audit_test

import (
	"errors"
	"testing"

	"github.com/apache/qakka/internal/audit"
	"github.com/apache/qakka/internal/storage/local"
	"github.com/apache/qakka/internal/types"
)

func TestLog_RecordAndRetrieveOrdered(t *testing.T) {
	eng, err := local.Open(t.TempDir())
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	defer eng.Close()

	log := audit.New(eng)

	if err := log.RecordSuccess("msg-1", "orders", types.ActionSend); err != nil {
		t.Fatalf("RecordSuccess SEND: %v", err)
	}
	if err := log.RecordSuccess("msg-1", "orders", types.ActionGet); err != nil {
		t.Fatalf("RecordSuccess GET: %v", err)
	}
	if err := log.RecordSuccess("msg-1", "orders", types.ActionAck); err != nil {
		t.Fatalf("RecordSuccess ACK: %v", err)
	}

	entries, err := log.GetAuditLogs("msg-1")
	if err != nil {
		t.Fatalf("GetAuditLogs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	wantOrder := []types.AuditAction{types.ActionSend, types.ActionGet, types.ActionAck}
	for i, e := range entries {
		if e.Action != wantOrder[i] {
			t.Fatalf("entry %d: expected action %s, got %s", i, wantOrder[i], e.Action)
		}
		if e.Status != types.StatusSuccess {
			t.Fatalf("entry %d: expected SUCCESS, got %s", i, e.Status)
		}
	}
}

func TestLog_RetriedAppendCollapsesOnSameSeq(t *testing.T) {
	eng, err := local.Open(t.TempDir())
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	defer eng.Close()

	log := audit.New(eng)
	seq := log.NextSeq()

	if err := log.Record("msg-2", "orders", types.ActionAck, seq, types.StatusSuccess, nil); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	// Simulate a retry of the same logical append reusing the same seq.
	if err := log.Record("msg-2", "orders", types.ActionAck, seq, types.StatusSuccess, nil); err != nil {
		t.Fatalf("retried Record: %v", err)
	}

	entries, err := log.GetAuditLogs("msg-2")
	if err != nil {
		t.Fatalf("GetAuditLogs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected retried append to collapse to 1 entry, got %d", len(entries))
	}
}

func TestLog_ErrorRecordsErrorText(t *testing.T) {
	eng, err := local.Open(t.TempDir())
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	defer eng.Close()

	log := audit.New(eng)
	wantErr := errors.New("queue busy")
	if err := log.Record("msg-3", "orders", types.ActionNack, log.NextSeq(), types.StatusSuccess, wantErr); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := log.GetAuditLogs("msg-3")
	if err != nil {
		t.Fatalf("GetAuditLogs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Status != types.StatusError || entries[0].Error != wantErr.Error() {
		t.Fatalf("expected error status/text recorded, got status=%s error=%q", entries[0].Status, entries[0].Error)
	}
}
