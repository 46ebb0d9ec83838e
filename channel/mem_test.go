package channel

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestMemChannel_DispatchInAttachOrder(t *testing.T) {
	c := NewMemChannel[string]()
	defer c.Close()

	var got []string
	for _, name := range []string{"a", "b", "c"} {
		if _, err := c.Attach("x", func(p string) error {
			got = append(got, name+":"+p)
			return nil
		}); err != nil {
			t.Fatalf("Attach: %v", err)
		}
	}

	if err := c.Dispatch("x", "hi"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := []string{"a:hi", "b:hi", "c:hi"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMemChannel_EventIsolation(t *testing.T) {
	c := NewMemChannel[int]()

	called := false
	if _, err := c.Attach("x", func(int) error { called = true; return nil }); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := c.Dispatch("y", 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if called {
		t.Error("listener on x should not receive y")
	}
	if err := c.Dispatch("nobody", 1); err != nil {
		t.Errorf("dispatch to zero listeners: got %v, want nil", err)
	}
}

func TestMemChannel_ListenerErrorStopsPass(t *testing.T) {
	c := NewMemChannel[int]()
	boom := errors.New("boom")

	var calls []int
	c.Attach("x", func(int) error { calls = append(calls, 1); return nil })
	c.Attach("x", func(int) error { calls = append(calls, 2); return boom })
	c.Attach("x", func(int) error { calls = append(calls, 3); return nil })

	err := c.Dispatch("x", 0)
	if !errors.Is(err, boom) {
		t.Fatalf("got error %v, want %v", err, boom)
	}
	if !reflect.DeepEqual(calls, []int{1, 2}) {
		t.Errorf("got calls %v, want [1 2]", calls)
	}
}

func TestMemChannel_HandleRemove(t *testing.T) {
	c := NewMemChannel[int]()

	called := 0
	h, err := c.Attach("x", func(int) error { called++; return nil })
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if n := c.ListenerCount("x"); n != 1 {
		t.Fatalf("ListenerCount = %d, want 1", n)
	}

	if err := h.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n := c.ListenerCount("x"); n != 0 {
		t.Errorf("ListenerCount after Remove = %d, want 0", n)
	}
	if err := h.Remove(); !errors.Is(err, ErrHandleRemoved) {
		t.Errorf("second Remove: got %v, want ErrHandleRemoved", err)
	}

	c.Dispatch("x", 1)
	if called != 0 {
		t.Errorf("removed listener called %d times", called)
	}
}

func TestMemChannel_RemoveDuringDispatchUsesSnapshot(t *testing.T) {
	c := NewMemChannel[int]()

	var second Handle
	var calls []string
	c.Attach("x", func(int) error {
		calls = append(calls, "first")
		_ = second.Remove()
		return nil
	})
	second, _ = c.Attach("x", func(int) error {
		calls = append(calls, "second")
		return nil
	})

	c.Dispatch("x", 1)
	if !reflect.DeepEqual(calls, []string{"first", "second"}) {
		t.Errorf("first pass: got %v", calls)
	}

	calls = nil
	c.Dispatch("x", 1)
	if !reflect.DeepEqual(calls, []string{"first"}) {
		t.Errorf("second pass: got %v", calls)
	}
}

func TestMemChannel_RemoveAll(t *testing.T) {
	c := NewMemChannel[int]()

	h1, _ := c.Attach("x", func(int) error { return nil })
	c.Attach("x", func(int) error { return nil })
	c.Attach("y", func(int) error { return nil })

	if err := c.RemoveAll("x"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if n := c.ListenerCount("x"); n != 0 {
		t.Errorf("ListenerCount(x) = %d, want 0", n)
	}
	if n := c.ListenerCount("y"); n != 1 {
		t.Errorf("ListenerCount(y) = %d, want 1", n)
	}
	if err := h1.Remove(); !errors.Is(err, ErrHandleRemoved) {
		t.Errorf("Remove after RemoveAll: got %v, want ErrHandleRemoved", err)
	}
}

func TestMemChannel_AttachAfterClose(t *testing.T) {
	c := NewMemChannel[int]()
	c.Close()

	if _, err := c.Attach("x", func(int) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestMemChannel_ConcurrentAttachDispatch(t *testing.T) {
	c := NewMemChannel[int]()

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Attach("x", func(n int) error {
				mu.Lock()
				total += n
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Attach: %v", err)
				return
			}
			_ = c.Dispatch("x", 1)
			_ = h.Remove()
		}()
	}
	wg.Wait()

	if n := c.ListenerCount("x"); n != 0 {
		t.Errorf("ListenerCount = %d, want 0", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if total == 0 {
		t.Error("expected at least one delivery")
	}
}
