package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestFileStoreSetAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	st, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.Set(ctx, "settings/global", []byte(`{"schema":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	st2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := st2.Get(ctx, "settings/global")
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if string(got) != `{"schema":1}` {
		t.Fatalf("unexpected value: %s", got)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	st, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = st.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	st, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.Set(ctx, "roster/net-1", []byte(`["alice"]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Delete(ctx, "roster/net-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Get(ctx, "roster/net-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// deleting an absent key is a no-op
	if err := st.Delete(ctx, "roster/net-1"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}

	st2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := st2.Get(ctx, "roster/net-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after reload, got %v", err)
	}
}

func TestFileStoreValueIsolation(t *testing.T) {
	st, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	buf := []byte(`{"a":1}`)
	if err := st.Set(ctx, "k", buf); err != nil {
		t.Fatalf("set: %v", err)
	}
	buf[2] = 'z'
	got, err := st.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("caller mutation leaked into store: %s", got)
	}
	got[2] = 'q'
	again, err := st.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if string(again) != `{"a":1}` {
		t.Fatalf("returned slice aliased store memory: %s", again)
	}
}
