package cache

import (
	"sync"
	"testing"

	"github.com/opsdeck/livesync/internal/record"
)

func TestScope(t *testing.T) {
	if got := Scope("tenant-1", "user-1"); got != "tenant-1" {
		t.Errorf("expected tenant scope, got %s", got)
	}
	if got := Scope("", "user-1"); got != "user-1" {
		t.Errorf("expected principal scope, got %s", got)
	}
	if got := Scope("", ""); got != AnonymousScope {
		t.Errorf("expected anonymous scope, got %s", got)
	}
}

func TestGetSet(t *testing.T) {
	s := New()
	key := Key{Collection: "tasks", Scope: "tenant-1", Projection: "*"}

	if _, ok := s.Get(key); ok {
		t.Fatal("expected miss on empty store")
	}

	snap := []record.Record{{"id": "1"}}
	s.Set(key, snap)

	got, ok := s.Get(key)
	if !ok || len(got) != 1 {
		t.Fatalf("expected cached snapshot, got %v ok=%v", got, ok)
	}
}

func TestSharedKeyVisibility(t *testing.T) {
	// Two bindings with the same key observe the same snapshot updates.
	s := New()
	key := Key{Collection: "tasks", Scope: "tenant-1", Projection: "*"}

	chA, cancelA := s.Watch(key)
	defer cancelA()
	chB, cancelB := s.Watch(key)
	defer cancelB()

	s.Set(key, []record.Record{{"id": "1", "name": "A"}})

	for name, ch := range map[string]<-chan struct{}{"A": chA, "B": chB} {
		select {
		case <-ch:
		default:
			t.Errorf("watcher %s not notified", name)
		}
	}

	gotA, _ := s.Get(key)
	gotB, _ := s.Get(key)
	if len(gotA) != 1 || len(gotB) != 1 || gotA[0].ID() != gotB[0].ID() {
		t.Fatal("bindings observed different snapshots for the same key")
	}
}

func TestDistinctKeysAreIsolated(t *testing.T) {
	s := New()
	keyA := Key{Collection: "tasks", Scope: "tenant-1", Projection: "*"}
	keyB := Key{Collection: "tasks", Scope: "tenant-2", Projection: "*"}

	chB, cancelB := s.Watch(keyB)
	defer cancelB()

	s.Set(keyA, []record.Record{{"id": "1"}})

	select {
	case <-chB:
		t.Error("watcher for a different key was notified")
	default:
	}
	if _, ok := s.Get(keyB); ok {
		t.Error("snapshot leaked across keys")
	}
}

func TestNotificationsCoalesce(t *testing.T) {
	s := New()
	key := Key{Collection: "tasks", Scope: AnonymousScope, Projection: "*"}

	ch, cancel := s.Watch(key)
	defer cancel()

	// Multiple sets before the watcher drains must not block.
	for i := 0; i < 5; i++ {
		s.Set(key, []record.Record{{"id": "1"}})
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected at least one pending notification")
	}
	select {
	case <-ch:
		t.Fatal("expected notifications to coalesce into one signal")
	default:
	}
}

// Sets racing against watcher registration and cancellation must be safe;
// a binding closing mid-update cancels its watch while a sibling's Set is
// notifying the same key. Run with -race.
func TestConcurrentSetAndWatchCancel(t *testing.T) {
	s := New()
	key := Key{Collection: "tasks", Scope: "tenant-1", Projection: "*"}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Set(key, []record.Record{{"id": "1"}})
			}
		}
	}()

	for i := 0; i < 500; i++ {
		ch, cancel := s.Watch(key)
		select {
		case <-ch:
		default:
		}
		cancel()
	}

	close(stop)
	wg.Wait()
}

func TestWatchCancel(t *testing.T) {
	s := New()
	key := Key{Collection: "tasks", Scope: AnonymousScope, Projection: "*"}

	ch, cancel := s.Watch(key)
	cancel()

	s.Set(key, []record.Record{{"id": "1"}})
	select {
	case <-ch:
		t.Fatal("cancelled watcher was notified")
	default:
	}
}
