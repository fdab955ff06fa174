package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-callrelay/pkg/callerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(opts ...Option) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewRegistry(opts...), clock
}

var testContext = CallContext{Script: "Book a demo", Persona: "Friendly SDR", Context: "Lead from webinar"}

func TestCreateAndGet(t *testing.T) {
	r, _ := newTestRegistry()

	s, err := r.Create(testContext, "+19705677890", "+14422663218", Credentials{AccountSID: "AC1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Fatal("expected generated session id")
	}
	if s.Status != StatusInitiating {
		t.Errorf("Status = %s, want initiating", s.Status)
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Context != testContext {
		t.Errorf("Context = %+v", got.Context)
	}
	if got.Credentials.AccountSID != "AC1" {
		t.Error("credentials should be kept on the session")
	}

	other, _ := r.Create(testContext, "+19705677890", "+14422663218", Credentials{})
	if other.ID == s.ID {
		t.Error("session ids must never be reused")
	}

	if _, err := r.CreateWithID(s.ID, testContext, "", "", Credentials{}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create err = %v, want ErrExists", err)
	}
}

func TestUnknownLookupsFailCleanly(t *testing.T) {
	r, _ := newTestRegistry()

	if _, err := r.Get("missing"); !errors.Is(err, callerr.ErrNotFound) {
		t.Errorf("Get err = %v", err)
	}
	if _, err := r.GetByCallSid("CAmissing"); !errors.Is(err, callerr.ErrNotFound) {
		t.Errorf("GetByCallSid err = %v", err)
	}
	if err := r.AppendTranscript("missing", TranscriptEntry{Role: RoleUser, Text: "hi"}); !errors.Is(err, callerr.ErrNotFound) {
		t.Errorf("AppendTranscript err = %v", err)
	}
	if _, _, err := r.TransitionByCallSid("CAmissing", StatusCompleted, nil); !errors.Is(err, callerr.ErrNotFound) {
		t.Errorf("TransitionByCallSid err = %v", err)
	}
}

func TestBindCallSid(t *testing.T) {
	r, _ := newTestRegistry()
	s, _ := r.CreateWithID("s1", testContext, "", "", Credentials{})
	other, _ := r.CreateWithID("s2", testContext, "", "", Credentials{})

	t.Run("first bind", func(t *testing.T) {
		if err := r.BindCallSid(s.ID, "CA1"); err != nil {
			t.Fatalf("BindCallSid: %v", err)
		}
		got, err := r.GetByCallSid("CA1")
		if err != nil || got.ID != s.ID {
			t.Fatalf("GetByCallSid = %v, %v", got.ID, err)
		}
	})

	t.Run("same value is a no-op", func(t *testing.T) {
		if err := r.BindCallSid(s.ID, "CA1"); err != nil {
			t.Errorf("rebind same sid: %v", err)
		}
	})

	t.Run("different value fails", func(t *testing.T) {
		err := r.BindCallSid(s.ID, "CA2")
		if !errors.Is(err, callerr.ErrAlreadyBound) {
			t.Errorf("err = %v, want ErrAlreadyBound", err)
		}
		if _, err := r.GetByCallSid("CA2"); !errors.Is(err, callerr.ErrNotFound) {
			t.Error("rejected sid must not be indexed")
		}
	})

	t.Run("sid owned by another session fails", func(t *testing.T) {
		if err := r.BindCallSid(other.ID, "CA1"); !errors.Is(err, callerr.ErrAlreadyBound) {
			t.Errorf("err = %v, want ErrAlreadyBound", err)
		}
	})

	t.Run("empty sid fails validation", func(t *testing.T) {
		if err := r.BindCallSid(other.ID, ""); !errors.Is(err, callerr.ErrValidation) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitiating, StatusRinging, true},
		{StatusInitiating, StatusInProgress, true},
		{StatusInitiating, StatusFailed, true},
		{StatusRinging, StatusInProgress, true},
		{StatusRinging, StatusNoAnswer, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusRinging, StatusRinging, false},
		{StatusInProgress, StatusRinging, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCanceled, StatusCompleted, false},
		{StatusBusy, StatusInProgress, false},
		{StatusRinging, Status("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransitionsAreIdempotent(t *testing.T) {
	// Each delivery sequence preserves relative order and repeats entries;
	// every one must end where a single final transition would.
	sequences := [][]Status{
		{StatusCompleted},
		{StatusRinging, StatusInProgress, StatusCompleted},
		{StatusRinging, StatusRinging, StatusInProgress, StatusCompleted, StatusCompleted},
		{StatusRinging, StatusInProgress, StatusInProgress, StatusCompleted, StatusCompleted, StatusCompleted},
		{StatusInProgress, StatusRinging, StatusCompleted, StatusRinging},
	}

	for i, seq := range sequences {
		t.Run(fmt.Sprintf("sequence %d", i), func(t *testing.T) {
			r, _ := newTestRegistry()
			s, _ := r.Create(testContext, "", "", Credentials{})
			_ = r.BindCallSid(s.ID, "CA1")

			for _, st := range seq {
				if _, _, err := r.TransitionByCallSid("CA1", st, nil); err != nil {
					t.Fatalf("transition %s: %v", st, err)
				}
			}

			got, _ := r.Get(s.ID)
			if got.Status != StatusCompleted {
				t.Errorf("final status = %s, want completed", got.Status)
			}
			if len(got.Transcript) != 0 {
				t.Error("status transitions must not touch the transcript")
			}
		})
	}
}

func TestTerminalStatusRejectsChanges(t *testing.T) {
	r, _ := newTestRegistry()
	s, _ := r.Create(testContext, "", "", Credentials{})

	if _, applied, _ := r.Transition(s.ID, StatusBusy); !applied {
		t.Fatal("busy should apply")
	}

	var ran bool
	snap, applied, err := r.TransitionWith(s.ID, StatusCompleted, func(cs *CallSession) { ran = true })
	if err != nil {
		t.Fatalf("TransitionWith: %v", err)
	}
	if applied || ran {
		t.Error("terminal session must ignore further transitions and their mutators")
	}
	if snap.Status != StatusBusy {
		t.Errorf("Status = %s, want busy", snap.Status)
	}

	if _, _, err := r.Transition(s.ID, Status("nope")); !errors.Is(err, callerr.ErrValidation) {
		t.Errorf("unknown status err = %v", err)
	}
}

func TestTranscriptAppendOnly(t *testing.T) {
	r, clock := newTestRegistry()
	s, _ := r.Create(testContext, "", "", Credentials{})

	want := []TranscriptEntry{
		{Role: RoleAgent, Text: "Hi, this is Alex from Acme."},
		{Role: RoleUser, Text: "Hello?"},
		{Role: RoleAgent, Text: "Do you have a minute?"},
		{Role: RoleUser, Text: "Sure."},
	}

	prevLen := 0
	for _, e := range want {
		clock.Advance(time.Second)
		if err := r.AppendTranscript(s.ID, e); err != nil {
			t.Fatalf("AppendTranscript: %v", err)
		}
		got, _ := r.Get(s.ID)
		if len(got.Transcript) != prevLen+1 {
			t.Fatalf("transcript length = %d, want %d", len(got.Transcript), prevLen+1)
		}
		prevLen = len(got.Transcript)
	}

	got, _ := r.Get(s.ID)
	for i, e := range want {
		if got.Transcript[i].Text != e.Text || got.Transcript[i].Role != e.Role {
			t.Errorf("entry %d = %+v, want %+v", i, got.Transcript[i], e)
		}
		if got.Transcript[i].Timestamp.IsZero() {
			t.Errorf("entry %d should have a timestamp", i)
		}
		if i > 0 && got.Transcript[i].Timestamp.Before(got.Transcript[i-1].Timestamp) {
			t.Errorf("entry %d out of order", i)
		}
	}

	// Mutating a snapshot must not leak into the registry.
	got.Transcript[0].Text = "tampered"
	again, _ := r.Get(s.ID)
	if again.Transcript[0].Text == "tampered" {
		t.Error("Get must return a copy")
	}
}

func TestConcurrentAppendsKeepEveryEntry(t *testing.T) {
	r, _ := newTestRegistry()
	s, _ := r.Create(testContext, "", "", Credentials{})
	_ = r.BindCallSid(s.ID, "CA1")

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = r.AppendTranscript(s.ID, TranscriptEntry{Role: RoleUser, Text: fmt.Sprintf("%d-%d", w, i)})
				_, _, _ = r.TransitionByCallSid("CA1", StatusInProgress, nil)
			}
		}(w)
	}
	wg.Wait()

	got, _ := r.Get(s.ID)
	if len(got.Transcript) != writers*perWriter {
		t.Errorf("transcript length = %d, want %d", len(got.Transcript), writers*perWriter)
	}
	if got.Status != StatusInProgress {
		t.Errorf("Status = %s", got.Status)
	}
}

func TestUpdateKeepsGuardedFields(t *testing.T) {
	r, _ := newTestRegistry()
	s, _ := r.Create(testContext, "+19705677890", "", Credentials{})

	got, err := r.Update(s.ID, func(cs *CallSession) error {
		cs.Duration = 42
		cs.Status = StatusCompleted
		cs.Target = "+10000000000"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Duration != 42 {
		t.Errorf("Duration = %d", got.Duration)
	}
	if got.Status != StatusInitiating {
		t.Error("Update must not change status")
	}
	if got.Target != "+19705677890" {
		t.Error("Update must not change the target number")
	}

	wantErr := errors.New("nope")
	if _, err := r.Update(s.ID, func(*CallSession) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
}

func TestSweepEvictsByAge(t *testing.T) {
	var events []Event
	r, clock := newTestRegistry(
		WithTTL(time.Hour),
		WithNotifier(NotifierFunc(func(e Event) { events = append(events, e) })),
	)

	old, _ := r.Create(testContext, "", "", Credentials{})
	_ = r.BindCallSid(old.ID, "CAold")
	_, _, _ = r.Transition(old.ID, StatusInProgress)

	clock.Advance(40 * time.Minute)
	young, _ := r.Create(testContext, "", "", Credentials{})

	clock.Advance(30 * time.Minute)
	if n := r.Sweep(clock.Now()); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}

	if _, err := r.Get(old.ID); !errors.Is(err, callerr.ErrNotFound) {
		t.Error("old session should be evicted regardless of status")
	}
	if _, err := r.GetByCallSid("CAold"); !errors.Is(err, callerr.ErrNotFound) {
		t.Error("call sid index should be cleaned up")
	}
	if _, err := r.Get(young.ID); err != nil {
		t.Errorf("young session should survive: %v", err)
	}

	last := events[len(events)-1]
	if last.Type != EventEvicted || last.SessionID != old.ID {
		t.Errorf("last event = %+v, want eviction of %s", last, old.ID)
	}
}

func TestSweepDisabledWithZeroTTL(t *testing.T) {
	r, clock := newTestRegistry(WithTTL(0))
	_, _ = r.Create(testContext, "", "", Credentials{})
	clock.Advance(48 * time.Hour)
	if n := r.Sweep(clock.Now()); n != 0 {
		t.Errorf("Sweep evicted %d with TTL disabled", n)
	}
}

func TestNotifierEvents(t *testing.T) {
	var mu sync.Mutex
	var types []EventType
	r, _ := newTestRegistry(WithNotifier(NotifierFunc(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})))

	s, _ := r.Create(testContext, "", "", Credentials{})
	_ = r.BindCallSid(s.ID, "CA1")
	_, _, _ = r.Transition(s.ID, StatusRinging)
	_, _, _ = r.Transition(s.ID, StatusRinging) // rejected, no event
	_ = r.AppendTranscript(s.ID, TranscriptEntry{Role: RoleAgent, Text: "hi"})

	want := []EventType{EventCreated, EventCallSid, EventStatus, EventTranscript}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestParseProviderStatus(t *testing.T) {
	tests := map[string]Status{
		"queued":      StatusInitiating,
		"initiated":   StatusInitiating,
		"ringing":     StatusRinging,
		"in-progress": StatusInProgress,
		"answered":    StatusInProgress,
		"completed":   StatusCompleted,
		"busy":        StatusBusy,
		"no-answer":   StatusNoAnswer,
		"failed":      StatusFailed,
		"canceled":    StatusCanceled,
	}
	for in, want := range tests {
		got, ok := ParseProviderStatus(in)
		if !ok || got != want {
			t.Errorf("ParseProviderStatus(%q) = %s, %v; want %s", in, got, ok, want)
		}
	}
	if _, ok := ParseProviderStatus("exploded"); ok {
		t.Error("unknown status should not parse")
	}
}

func TestListOrder(t *testing.T) {
	r, clock := newTestRegistry()
	a, _ := r.Create(testContext, "", "", Credentials{})
	clock.Advance(time.Second)
	b, _ := r.Create(testContext, "", "", Credentials{})

	list := r.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("List order wrong: %v", list)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d", r.Len())
	}
	if !r.Delete(a.ID) || r.Delete(a.ID) {
		t.Error("Delete should report presence")
	}
}
