package sessions

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireIsExclusivePerKey(t *testing.T) {
	store := NewStore()
	key := NewKey("a", "ws", "u", "")

	h1 := store.Acquire(key)

	acquired := make(chan *Handle)
	go func() {
		acquired <- store.Acquire(key)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned while first handle still held")
	case <-time.After(50 * time.Millisecond):
	}

	h1.Release()

	select {
	case h2 := <-acquired:
		h2.Release()
	case <-time.After(time.Second):
		t.Fatal("second Acquire never returned after release")
	}
}

func TestAcquireDifferentKeysDoNotContend(t *testing.T) {
	store := NewStore()
	h1 := store.Acquire(NewKey("a", "ws", "u1", ""))
	defer h1.Release()

	done := make(chan struct{})
	go func() {
		h2 := store.Acquire(NewKey("a", "ws", "u2", ""))
		h2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different key blocked behind an unrelated handle")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := NewStore()
	key := NewKey("a", "ws", "u", "")

	h := store.Acquire(key)
	h.Release()
	h.Release() // must not panic or unlock someone else's acquisition

	h2 := store.Acquire(key)
	h2.Release()
}

func TestTurnOrderIsTotalUnderConcurrentAppenders(t *testing.T) {
	store := NewStore()
	key := NewKey("a", "ws", "u", "")

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				h := store.Acquire(key)
				h.Session().Append(Turn{Kind: TurnUserText, Text: "x"})
				h.Release()
			}
		}()
	}
	wg.Wait()

	h := store.Acquire(key)
	defer h.Release()
	if got := h.Session().TurnCount(); got != writers*perWriter {
		t.Fatalf("turn count = %d, want %d", got, writers*perWriter)
	}
}

func TestWindowReturnsSuffix(t *testing.T) {
	store := NewStore()
	h := store.Acquire(NewKey("a", "ws", "u", ""))
	defer h.Release()

	sess := h.Session()
	for i := 0; i < 5; i++ {
		sess.Append(Turn{Kind: TurnUserText, Text: string(rune('a' + i))})
	}

	win := sess.Window(2)
	if len(win) != 2 || win[0].Text != "d" || win[1].Text != "e" {
		t.Fatalf("window = %+v", win)
	}

	all := sess.Window(0)
	if len(all) != 5 {
		t.Fatalf("window(0) length = %d, want 5", len(all))
	}
}

func TestMetadataReadsWithoutHandle(t *testing.T) {
	store := NewStore()
	key := NewKey("a", "ws", "u", "")

	h := store.Acquire(key)
	h.Session().Append(Turn{Kind: TurnUserText, Text: "hi"})

	// Holding the exclusive handle must not block metadata reads.
	if got := h.Session().TurnCount(); got != 1 {
		t.Fatalf("turn count = %d, want 1", got)
	}
	if store.Count() != 1 {
		t.Fatalf("store count = %d, want 1", store.Count())
	}
	h.Release()
}
