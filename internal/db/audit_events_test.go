package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInsertAuditEvent(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	payload := []byte(`{"occurred_at":"2026-01-02T03:04:05.123Z","actor":"gateway","action":"receipt.recorded","agent_id":"agent-1","context":{"receipt_id":"r"},"hash":"abc"}`)
	id, err := d.InsertAuditEvent(context.Background(), payload)
	if err != nil || id == "" {
		t.Fatalf("id=%s err=%v", id, err)
	}
	args := conn.execArgs[0]
	if ts := args[1].(time.Time); ts.Nanosecond() != 123000000 {
		t.Fatalf("occurred_at: %v", ts)
	}
	if args[2] != "gateway" || args[3] != "receipt.recorded" || args[4] != nil || args[5] != "agent-1" || args[7] != "abc" {
		t.Fatalf("args: %#v", args)
	}
}

func TestInsertAuditEventDefaults(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	if _, err := d.InsertAuditEvent(context.Background(), nil); err != nil {
		t.Fatalf("err: %v", err)
	}
	args := conn.execArgs[0]
	if args[2] != "r2r" || args[3] != "unknown" || string(args[6].([]byte)) != "{}" {
		t.Fatalf("args: %#v", args)
	}
}

func TestInsertAuditEventErrors(t *testing.T) {
	d := &DB{conn: &fakeConn{}}
	if _, err := d.InsertAuditEvent(context.Background(), []byte("{")); err == nil {
		t.Fatalf("expected json error")
	}
	if _, err := d.InsertAuditEvent(context.Background(), []byte(`{"occurred_at":"yesterday"}`)); err == nil {
		t.Fatalf("expected time error")
	}
	failing := &DB{conn: &fakeConn{execErr: errTest}}
	if _, err := failing.InsertAuditEvent(context.Background(), nil); !errors.Is(err, errTest) {
		t.Fatalf("err: %v", err)
	}
}
