package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/dialbot/internal/call"
)

func TestPutAndTake(t *testing.T) {
	r := New(time.Minute)
	cfg := call.ConfigFromParams(map[string]string{call.ParamSessionDuration: "120"}, call.ReferenceDefaults())
	r.Put("CA1", Entry{Config: cfg, Params: map[string]string{"k": "v"}, PhoneNumber: "+15551234567"})

	entry, ok := r.TakeIfPresent("CA1")
	if !ok {
		t.Fatalf("TakeIfPresent() miss for stored entry")
	}
	if entry.Config.SessionDuration != 120*time.Second {
		t.Fatalf("SessionDuration = %v, want 120s", entry.Config.SessionDuration)
	}
	if entry.Params["k"] != "v" || entry.PhoneNumber != "+15551234567" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if _, ok := r.TakeIfPresent("CA1"); ok {
		t.Fatalf("entry consumed twice")
	}
}

func TestTakeUnknownID(t *testing.T) {
	r := New(time.Minute)
	if _, ok := r.TakeIfPresent("CA-unknown"); ok {
		t.Fatalf("TakeIfPresent() returned entry for unknown id")
	}
}

func TestPutLastWriteWins(t *testing.T) {
	r := New(time.Minute)
	r.Put("CA1", Entry{PhoneNumber: "+15550000001"})
	r.Put("CA1", Entry{PhoneNumber: "+15550000002"})

	entry, ok := r.TakeIfPresent("CA1")
	if !ok || entry.PhoneNumber != "+15550000002" {
		t.Fatalf("entry = %+v, ok = %v; want the second write", entry, ok)
	}
}

func TestConcurrentTakeSingleWinner(t *testing.T) {
	r := New(time.Minute)
	for i := 0; i < 50; i++ {
		r.Put("CA1", Entry{PhoneNumber: "+15551234567"})

		var wg sync.WaitGroup
		wins := make(chan struct{}, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := r.TakeIfPresent("CA1"); ok {
					wins <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(wins)

		got := 0
		for range wins {
			got++
		}
		if got != 1 {
			t.Fatalf("iteration %d: winners = %d, want exactly 1", i, got)
		}
	}
}

func TestJanitorEvictsExpired(t *testing.T) {
	r := New(30 * time.Millisecond)
	r.Put("CA1", Entry{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.PendingCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry not evicted after TTL")
}
