package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFuture_ResolveOnce(t *testing.T) {
	f := New[int]()
	if !f.Resolve(1) {
		t.Fatal("first Resolve returned false")
	}
	if f.Resolve(2) {
		t.Error("second Resolve returned true")
	}
	if f.Reject(errors.New("late")) {
		t.Error("Reject after Resolve returned true")
	}

	v, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("Await error = %v", err)
	}
	if v != 1 {
		t.Errorf("value = %d, want 1", v)
	}
}

func TestFuture_RejectNilError(t *testing.T) {
	f := New[string]()
	f.Reject(nil)
	if _, err := f.Await(context.Background()); err == nil {
		t.Error("expected non-nil error after Reject(nil)")
	}
}

func TestFuture_ConcurrentSettleExactlyOnce(t *testing.T) {
	f := New[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Resolve(i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestFuture_AwaitContextExpiry(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if f.Settled() {
		t.Error("context expiry must not settle the future")
	}
}

func TestFuture_Peek(t *testing.T) {
	f := New[int]()
	if _, ok, _ := f.Peek(); ok {
		t.Error("Peek reported settled on pending future")
	}
	f.Resolve(7)
	v, ok, err := f.Peek()
	if !ok || err != nil || v != 7 {
		t.Errorf("Peek = (%d, %v, %v), want (7, true, nil)", v, ok, err)
	}
}

func TestFuture_Then(t *testing.T) {
	f := New[string]()
	got := make(chan string, 1)
	f.Then(func(v string, _ error) { got <- v })
	f.Resolve("ok")

	select {
	case v := <-got:
		if v != "ok" {
			t.Errorf("Then value = %q, want ok", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Then callback never ran")
	}
}

func TestAll_WaitsForEveryMember(t *testing.T) {
	a, b, c := New[int](), New[int](), New[int]()
	errB := errors.New("b failed")

	go func() {
		c.Resolve(3)
		b.Reject(errB)
		time.Sleep(5 * time.Millisecond)
		a.Resolve(1)
	}()

	err := All(context.Background(), a, b, c)
	if !errors.Is(err, errB) {
		t.Fatalf("All error = %v, want %v", err, errB)
	}
	if !a.Settled() {
		t.Error("All returned before the last member settled")
	}
}

func TestAll_Empty(t *testing.T) {
	if err := All(context.Background()); err != nil {
		t.Errorf("All() = %v, want nil", err)
	}
}
