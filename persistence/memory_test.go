package persistence

import (
	"bytes"
	"context"
	"testing"
)

func TestMemory_RoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, ok, err := m.Load(ctx, "absent"); err != nil || ok {
		t.Fatalf("expected clean miss for an absent key, ok=%v err=%v", ok, err)
	}

	payload := []byte(`{"engine_id":"e1"}`)
	if err := m.Save(ctx, "snap", payload); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := m.Load(ctx, "snap")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mutated in storage: %s", got)
	}

	// The stored copy is isolated from later caller mutation.
	payload[0] = 'X'
	got2, _, _ := m.Load(ctx, "snap")
	if got2[0] == 'X' {
		t.Error("store must copy data on save")
	}

	if err := m.Delete(ctx, "snap"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := m.Load(ctx, "snap"); ok {
		t.Error("deleted key should miss")
	}
	if err := m.Delete(ctx, "snap"); err != nil {
		t.Errorf("deleting an absent key should be a no-op, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMemory_Overwrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Save(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Save(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _, _ := m.Load(ctx, "k")
	if string(got) != "v2" {
		t.Errorf("expected overwrite to win, got %s", got)
	}
}
