package relay

import (
	"sync"
	"testing"
	"time"
)

func TestSessionsMutualExclusion(t *testing.T) {
	s := NewSessions()

	s.OpenLink(1, 100)
	s.SetReplyTarget(1, 200)
	if _, ok := s.PeekLink(1); ok {
		t.Fatal("setting a reply target must clear the link session")
	}

	s.SetPrompt(1, Prompt{Kind: PromptBroadcast})
	if _, ok := s.ConsumeReplyTarget(1); ok {
		t.Fatal("setting a prompt must clear the reply target")
	}

	s.OpenLink(1, 100)
	if _, ok := s.Prompt(1); ok {
		t.Fatal("opening a link must clear the prompt")
	}
}

func TestSessionsConsumeLinkOnce(t *testing.T) {
	s := NewSessions()
	s.OpenLink(1, 100)

	owner, ok := s.ConsumeLink(1)
	if !ok || owner != 100 {
		t.Fatalf("consume = (%d, %v), want (100, true)", owner, ok)
	}
	if _, ok := s.ConsumeLink(1); ok {
		t.Fatal("second consume must miss")
	}
}

func TestSessionsReplyTargetRemembered(t *testing.T) {
	s := NewSessions()
	s.SetReplyTarget(1, 42)

	if target, ok := s.ConsumeReplyTarget(1); !ok || target != 42 {
		t.Fatalf("consume = (%d, %v)", target, ok)
	}
	if last, ok := s.LastReplyTarget(1); !ok || last != 42 {
		t.Fatalf("last = (%d, %v), want remembered 42", last, ok)
	}
}

func TestSessionsSweep(t *testing.T) {
	s := NewSessions()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	s.OpenLink(1, 100)
	s.SetPrompt(2, Prompt{Kind: PromptBroadcast})
	s.RememberOwner(1, 100)

	current = base.Add(25 * time.Hour)
	s.OpenLink(3, 100)

	removed := s.Sweep(24 * time.Hour)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := s.PeekLink(1); ok {
		t.Fatal("stale link must be swept")
	}
	if _, ok := s.Prompt(2); ok {
		t.Fatal("stale prompt must be swept")
	}
	if _, ok := s.PeekLink(3); !ok {
		t.Fatal("fresh link must survive")
	}
	if _, ok := s.LastOwner(1); !ok {
		t.Fatal("last-owner memory must survive the sweep")
	}
}

func TestSessionsConcurrentConsume(t *testing.T) {
	s := NewSessions()
	s.OpenLink(1, 100)

	const workers = 16
	var (
		wg   sync.WaitGroup
		hits int64
		mu   sync.Mutex
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, ok := s.ConsumeLink(1); ok {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if hits != 1 {
		t.Fatalf("hits = %d, want exactly 1 consumer to win", hits)
	}
}

func TestSessionsInProgress(t *testing.T) {
	s := NewSessions()
	if s.InProgress(1) {
		t.Fatal("fresh actor must be idle")
	}

	s.OpenLink(1, 100)
	if !s.InProgress(1) {
		t.Fatal("link session counts as in progress")
	}

	s.ConsumeLink(1)
	if s.InProgress(1) {
		t.Fatal("consumed session must leave actor idle")
	}
}
