package tools

import (
	"context"
	"reflect"
	"sync"
	"testing"
)

func named(name string) Tool {
	return NewLocal(name, name+" tool", nil, func(context.Context, map[string]any) (string, error) {
		return name, nil
	})
}

func TestSnapshot_ListSortedAndManifest(t *testing.T) {
	s := NewSnapshot(named("web_search"), named("file_read"), named("knowledge_search"))

	want := []string{"file_read", "knowledge_search", "web_search"}
	if got := s.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	m := s.Manifest()
	if len(m) != 3 {
		t.Fatalf("Manifest() len = %d", len(m))
	}
	fn, ok := m[0]["function"].(map[string]any)
	if !ok || m[0]["type"] != "function" || fn["name"] != "file_read" {
		t.Errorf("Manifest()[0] = %v", m[0])
	}
}

func TestSnapshot_LaterDuplicateWins(t *testing.T) {
	a := NewLocal("x", "first", nil, nil)
	b := NewLocal("x", "second", nil, nil)
	s := NewSnapshot(a, b)
	got, _ := s.Get("x")
	if got.Spec().Description != "second" {
		t.Errorf("Get(x) = %q, want second", got.Spec().Description)
	}
}

func TestSnapshot_DerivationsAreImmutable(t *testing.T) {
	base := NewSnapshot(named("a"), named("mcp_fs_read"), named("mcp_fs_write"))
	without := base.WithoutPrefix("mcp_fs_")
	with := without.With(named("b"))
	filtered := with.Filter([]string{"a", "b"}, []string{"b"})

	if base.Len() != 3 {
		t.Errorf("base mutated: %v", base.Names())
	}
	if got := without.Names(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("WithoutPrefix = %v", got)
	}
	if got := with.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("With = %v", got)
	}
	if got := filtered.Names(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Filter = %v", got)
	}
}

func TestSnapshot_NilSafe(t *testing.T) {
	var s *Snapshot
	if _, ok := s.Get("x"); ok {
		t.Error("nil snapshot Get returned ok")
	}
	if s.Len() != 0 || s.List() != nil || len(s.Manifest()) != 0 {
		t.Error("nil snapshot should be empty")
	}
}

func TestStore_SwapKeepsOldSnapshot(t *testing.T) {
	store := NewStore(NewSnapshot(named("a")))
	held := store.Snapshot()

	next := store.Update(func(cur *Snapshot) *Snapshot { return cur.With(named("b")) })
	if next.Version() != held.Version()+1 {
		t.Errorf("version = %d, want %d", next.Version(), held.Version()+1)
	}
	if held.Len() != 1 {
		t.Errorf("held snapshot changed to %v", held.Names())
	}
	if store.Snapshot().Len() != 2 {
		t.Errorf("current snapshot = %v", store.Snapshot().Names())
	}
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	store := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			store.Update(func(cur *Snapshot) *Snapshot { return cur.With(named(name)) })
			_ = store.Snapshot().Names()
		}(i)
	}
	wg.Wait()
	if got := store.Snapshot().Len(); got != 20 {
		t.Errorf("Len = %d, want 20 (lost updates)", got)
	}
}
