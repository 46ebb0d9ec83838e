package petalbus

import (
	"errors"
	"testing"
)

func TestNewCallback_UniqueIDs(t *testing.T) {
	a := NewCallback(func(int) error { return nil })
	b := NewCallback(func(int) error { return nil })

	if a.ID() == "" || b.ID() == "" {
		t.Fatal("callbacks should get an ID")
	}
	if a.ID() == b.ID() {
		t.Error("callback IDs should be unique")
	}
	if a.Name() != a.ID() {
		t.Errorf("unnamed callback Name() = %q, want its ID", a.Name())
	}
}

func TestNamedCallback(t *testing.T) {
	cb := NamedCallback("audit", func(string) error { return nil })
	if cb.Name() != "audit" {
		t.Errorf("Name() = %q, want audit", cb.Name())
	}
}

func TestCallback_Invoke(t *testing.T) {
	boom := errors.New("boom")
	var got string

	cb := NewCallback(func(s string) error {
		got = s
		return boom
	})
	if err := cb.Invoke("hello"); !errors.Is(err, boom) {
		t.Errorf("Invoke error = %v, want %v", err, boom)
	}
	if got != "hello" {
		t.Errorf("got %q, want hello", got)
	}

	f := Func(func(s string) { got = s + "!" })
	if err := f.Invoke("hey"); err != nil {
		t.Errorf("Func Invoke error = %v", err)
	}
	if got != "hey!" {
		t.Errorf("got %q, want hey!", got)
	}

	var empty Callback[string]
	if err := empty.Invoke("x"); err != nil {
		t.Errorf("zero callback Invoke = %v, want nil", err)
	}
}

func TestPayload_Clone(t *testing.T) {
	p := Payload{"user": "a"}
	c := p.Clone()
	c["user"] = "b"

	if p["user"] != "a" {
		t.Error("Clone should not share the map")
	}
	if Payload(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
