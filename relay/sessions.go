package relay

import (
	"sync"
	"time"
)

// PromptKind names a pending admin workflow step.
type PromptKind string

const (
	PromptSettingValue     PromptKind = "setting_value"
	PromptAnonymousTarget  PromptKind = "anonymous_target"
	PromptAnonymousMessage PromptKind = "anonymous_message"
	PromptBroadcast        PromptKind = "broadcast"
	PromptSearchTarget     PromptKind = "search_target"
)

// Prompt is a one-step expectation that the actor's next message answers a
// specific admin workflow question.
type Prompt struct {
	Kind       PromptKind
	SettingKey string
	TargetID   int64
	CreatedAt  time.Time
}

type linkEntry struct {
	ownerID   int64
	createdAt time.Time
}

// Sessions holds all transient per-actor state behind one mutex. An actor
// holds at most one of link session, reply target or pending prompt at a
// time; every setter clears the other two.
type Sessions struct {
	mu        sync.Mutex
	links     map[int64]linkEntry
	replies   map[int64]int64
	prompts   map[int64]Prompt
	lastReply map[int64]int64
	lastOwner map[int64]int64

	now func() time.Time
}

// NewSessions returns an empty session table.
func NewSessions() *Sessions {
	return &Sessions{
		links:     make(map[int64]linkEntry),
		replies:   make(map[int64]int64),
		prompts:   make(map[int64]Prompt),
		lastReply: make(map[int64]int64),
		lastOwner: make(map[int64]int64),
		now:       time.Now,
	}
}

func (s *Sessions) clearActiveLocked(actorID int64) {
	delete(s.links, actorID)
	delete(s.replies, actorID)
	delete(s.prompts, actorID)
}

// OpenLink grants senderID one relay to ownerID.
func (s *Sessions) OpenLink(senderID, ownerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearActiveLocked(senderID)
	s.links[senderID] = linkEntry{ownerID: ownerID, createdAt: s.now()}
}

// PeekLink reports the owner of senderID's open link session, if any.
func (s *Sessions) PeekLink(senderID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.links[senderID]
	return e.ownerID, ok
}

// ConsumeLink removes and returns senderID's link session.
func (s *Sessions) ConsumeLink(senderID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.links[senderID]
	if ok {
		delete(s.links, senderID)
	}
	return e.ownerID, ok
}

// SetReplyTarget arms actorID's next message to be copied to targetID.
func (s *Sessions) SetReplyTarget(actorID, targetID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearActiveLocked(actorID)
	s.replies[actorID] = targetID
}

// ConsumeReplyTarget removes and returns actorID's reply target, also
// remembering it for one-tap resumption.
func (s *Sessions) ConsumeReplyTarget(actorID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.replies[actorID]
	if ok {
		delete(s.replies, actorID)
		s.lastReply[actorID] = target
	}
	return target, ok
}

// LastReplyTarget returns the most recent consumed reply target.
func (s *Sessions) LastReplyTarget(actorID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastReply[actorID]
	return t, ok
}

// SetPrompt arms a pending admin prompt for actorID.
func (s *Sessions) SetPrompt(actorID int64, p Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.clearActiveLocked(actorID)
	s.prompts[actorID] = p
}

// Prompt returns the pending prompt for actorID without clearing it.
func (s *Sessions) Prompt(actorID int64) (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[actorID]
	return p, ok
}

// ClearPrompt removes actorID's pending prompt.
func (s *Sessions) ClearPrompt(actorID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prompts, actorID)
}

// RememberOwner records the owner that last received a forward from senderID.
func (s *Sessions) RememberOwner(senderID, ownerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOwner[senderID] = ownerID
}

// LastOwner returns the owner that last received a forward from senderID.
func (s *Sessions) LastOwner(senderID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.lastOwner[senderID]
	return o, ok
}

// InProgress reports whether the actor has any active state that captures
// their next free-text message.
func (s *Sessions) InProgress(actorID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[actorID]; ok {
		return true
	}
	if _, ok := s.replies[actorID]; ok {
		return true
	}
	_, ok := s.links[actorID]
	return ok
}

// Sweep drops link sessions and prompts older than maxAge and returns how
// many entries were removed. Reply targets and last-* memories are kept.
func (s *Sessions) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for id, e := range s.links {
		if e.createdAt.Before(cutoff) {
			delete(s.links, id)
			removed++
		}
	}
	for id, p := range s.prompts {
		if p.CreatedAt.Before(cutoff) {
			delete(s.prompts, id)
			removed++
		}
	}
	return removed
}
