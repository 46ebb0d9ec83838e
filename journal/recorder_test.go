package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/petal-labs/petalbus"
)

type failingStore struct {
	MemStore
}

func (s *failingStore) Append(context.Context, Record) error {
	return errors.New("disk full")
}

func TestRecorder_JournalsEmissions(t *testing.T) {
	store := newTestStore(t)
	hub := NewHub(HubConfig{})
	defer hub.Close()
	live := hub.Subscribe("login")
	defer live.Close()

	rec := NewRecorder(RecorderConfig{Store: store, Hub: hub})
	b := petalbus.New(petalbus.Config[petalbus.Payload]{Observer: rec.Observe})

	if err := b.Emit("login", petalbus.Payload{"user": "ada"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := b.Emit("login", petalbus.Payload{"user": "bob"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	records, err := store.List(context.Background(), "login", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Seq != 1 || records[1].Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", records[0].Seq, records[1].Seq)
	}
	if records[0].EmitID == "" {
		t.Error("EmitID should be recorded")
	}

	var payload map[string]any
	if err := json.Unmarshal(records[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["user"] != "bob" {
		t.Errorf("payload user = %v, want bob", payload["user"])
	}

	if got := receive(t, live); got.Seq != 1 {
		t.Errorf("live first seq = %d, want 1", got.Seq)
	}
}

func TestRecorder_IgnoresOtherNotices(t *testing.T) {
	store := NewMemStore()
	rec := NewRecorder(RecorderConfig{Store: store})

	for _, kind := range []petalbus.NoticeKind{
		petalbus.NoticeListenerAttached,
		petalbus.NoticeEmitFinished,
		petalbus.NoticeCleared,
	} {
		rec.Observe(petalbus.NewNotice(kind, "x"))
	}

	if seq, _ := store.LatestSeq(context.Background(), ""); seq != 0 {
		t.Errorf("LatestSeq = %d, want 0", seq)
	}
}

func TestRecorder_UnencodablePayloadStoredAsNull(t *testing.T) {
	store := NewMemStore()
	rec := NewRecorder(RecorderConfig{Store: store})

	n := petalbus.NewNotice(petalbus.NoticeEmitStarted, "x")
	n.Seq = 1
	n.Payload = make(chan int)
	rec.Observe(n)

	records, _ := store.List(context.Background(), "x", 0, 0)
	if len(records) != 1 || string(records[0].Payload) != "null" {
		t.Errorf("records = %+v, want one with null payload", records)
	}
}

func TestRecorder_AppendFailureSkipsHub(t *testing.T) {
	hub := NewHub(HubConfig{})
	defer hub.Close()
	sub := hub.SubscribeAll()
	defer sub.Close()

	rec := NewRecorder(RecorderConfig{Store: &failingStore{}, Hub: hub, Timeout: time.Second})

	n := petalbus.NewNotice(petalbus.NoticeEmitStarted, "x")
	n.Seq = 1
	rec.Observe(n)

	expectNothing(t, sub)
}
