package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m3rciful/relaybot/directory"
	"github.com/m3rciful/relaybot/gate"
)

// memStore is an in-memory directory.Store for machine tests.
type memStore struct {
	mu       sync.Mutex
	users    map[int64]directory.User
	records  []directory.RelayRecord
	settings map[string]string
	blocks   map[[2]int64]bool
	seq      int64

	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[int64]directory.User),
		settings: make(map[string]string),
		blocks:   make(map[[2]int64]bool),
	}
}

func (s *memStore) UpsertUser(_ context.Context, u directory.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.LastSeen.IsZero() {
		u.LastSeen = time.Now()
	}
	s.users[u.ID] = u
	return nil
}

func (s *memStore) UserByID(_ context.Context, id int64) (directory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return directory.User{}, directory.ErrNotFound
	}
	return u, nil
}

func (s *memStore) CountUsers(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

func (s *memStore) LatestUsers(_ context.Context, n int) ([]directory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]directory.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].LastSeen.After(users[j].LastSeen) })
	if len(users) > n {
		users = users[:n]
	}
	return users, nil
}

func (s *memStore) RecipientIDs(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, u := range s.users {
		if !u.IsAdmin {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) AppendRecord(_ context.Context, r directory.RelayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errors.New("append failed")
	}
	s.seq++
	r.ID = s.seq
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) RecordsForParticipant(_ context.Context, id int64, limit int) ([]directory.RelayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []directory.RelayRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if r.SenderID == id || r.ReceiverID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) MostActiveSender(_ context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int64]int64)
	for _, r := range s.records {
		counts[r.SenderID]++
	}
	var topID, topCount int64
	for id, n := range counts {
		if n > topCount || (n == topCount && id < topID) {
			topID, topCount = id, n
		}
	}
	if topCount == 0 {
		return 0, 0, directory.ErrNotFound
	}
	return topID, topCount, nil
}

func (s *memStore) LastForwardOwner(_ context.Context, senderID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.SenderID == senderID && r.Kind == directory.KindForward {
			return r.ReceiverID, nil
		}
	}
	return 0, directory.ErrNotFound
}

func (s *memStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	if !ok {
		return "", directory.ErrNotFound
	}
	return v, nil
}

func (s *memStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *memStore) AddBlock(_ context.Context, ownerID, targetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[[2]int64{ownerID, targetID}] = true
	return nil
}

func (s *memStore) IsBlocked(_ context.Context, ownerID, targetID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[[2]int64{ownerID, targetID}], nil
}

func (s *memStore) recordsOf(kind directory.RecordKind) []directory.RelayRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []directory.RelayRecord
	for _, r := range s.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// sentMsg captures one outbound SendText.
type sentMsg struct {
	To      int64
	Text    string
	Actions []Action
}

type relayedMsg struct {
	To        int64
	FromChat  int64
	MessageID int
}

// fakeTransport records every outbound call and can fail per recipient.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMsg
	forwards []relayedMsg
	copies   []relayedMsg

	failSendTo map[int64]bool
	failCopyTo map[int64]bool
	failFwdTo  map[int64]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failSendTo: make(map[int64]bool),
		failCopyTo: make(map[int64]bool),
		failFwdTo:  make(map[int64]bool),
	}
}

func (f *fakeTransport) Username() string { return "relay_test_bot" }

func (f *fakeTransport) SendText(_ context.Context, to int64, text string, actions ...Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSendTo[to] {
		return fmt.Errorf("send to %d: forbidden", to)
	}
	f.sent = append(f.sent, sentMsg{To: to, Text: text, Actions: actions})
	return nil
}

func (f *fakeTransport) Forward(_ context.Context, to int64, fromChat int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFwdTo[to] {
		return fmt.Errorf("forward to %d: forbidden", to)
	}
	f.forwards = append(f.forwards, relayedMsg{To: to, FromChat: fromChat, MessageID: messageID})
	return nil
}

func (f *fakeTransport) Copy(_ context.Context, to int64, fromChat int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCopyTo[to] {
		return fmt.Errorf("copy to %d: forbidden", to)
	}
	f.copies = append(f.copies, relayedMsg{To: to, FromChat: fromChat, MessageID: messageID})
	return nil
}

func (f *fakeTransport) sentTo(id int64) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.To == id {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent) + len(f.forwards) + len(f.copies)
}

type openAccess struct{}

func (openAccess) Allowed(context.Context, int64) (bool, string) { return true, "" }

// gateAccess adapts the real gate for scenario tests.
type gateAccess struct{ g *gate.Gate }

func (a gateAccess) Allowed(ctx context.Context, id int64) (bool, string) {
	d := a.g.Allow(ctx, id)
	return d.Allowed, d.JoinLink
}

type staticQuerier struct{ status gate.Status }

func (q staticQuerier) MemberStatus(context.Context, string, int64) (gate.Status, error) {
	return q.status, nil
}

func admins(ids ...int64) func(int64) bool {
	return func(id int64) bool {
		for _, a := range ids {
			if a == id {
				return true
			}
		}
		return false
	}
}

const adminID = int64(1000)

func newTestMachine(t *testing.T) (*Machine, *memStore, *fakeTransport) {
	t.Helper()
	store := newMemStore()
	tr := newFakeTransport()
	m := NewMachine(store, NewSessions(), tr, openAccess{}, admins(adminID))
	return m, store, tr
}

func msg(sender User, text string) Inbound {
	return Inbound{Sender: sender, Text: text, Content: text, ChatID: sender.ID, MessageID: 1}
}

func TestForwardViaLinkSession(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()

	owner := User{ID: 1, DisplayName: "Owner"}
	sender := User{ID: 2, DisplayName: "Sender", Username: "snd"}

	if err := m.OpenLink(ctx, sender, owner.ID); err != nil {
		t.Fatalf("open link: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(sender, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(tr.forwards) != 1 {
		t.Fatalf("forwards = %d, want 1", len(tr.forwards))
	}
	if tr.forwards[0].To != owner.ID {
		t.Fatalf("forwarded to %d, want %d", tr.forwards[0].To, owner.ID)
	}

	recs := store.recordsOf(directory.KindForward)
	if len(recs) != 1 {
		t.Fatalf("forward records = %d, want 1", len(recs))
	}
	if recs[0].SenderID != sender.ID || recs[0].ReceiverID != owner.ID {
		t.Fatalf("record participants = (%d, %d)", recs[0].SenderID, recs[0].ReceiverID)
	}

	// Owner gets a notice with reply and block actions.
	notices := tr.sentTo(owner.ID)
	if len(notices) != 1 {
		t.Fatalf("owner notices = %d, want 1", len(notices))
	}
	kinds := map[ActionKind]int64{}
	for _, a := range notices[0].Actions {
		kinds[a.Kind] = a.Arg
	}
	if kinds[ActReply] != sender.ID || kinds[ActBlock] != sender.ID {
		t.Fatalf("notice actions = %+v", notices[0].Actions)
	}
}

func TestLinkSessionOneShot(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()

	sender := User{ID: 2}
	if err := m.OpenLink(ctx, sender, 1); err != nil {
		t.Fatalf("open link: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(sender, "first")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(sender, "second")); err != nil {
		t.Fatalf("second: %v", err)
	}

	if len(tr.forwards) != 1 {
		t.Fatalf("forwards = %d, want 1 (session is one-shot)", len(tr.forwards))
	}
	if got := len(store.recordsOf(directory.KindForward)); got != 1 {
		t.Fatalf("forward records = %d, want 1", got)
	}
}

func TestSendAgainReopensLastOwner(t *testing.T) {
	m, _, tr := newTestMachine(t)
	ctx := context.Background()

	sender := User{ID: 2}
	_ = m.OpenLink(ctx, sender, 1)
	_ = m.HandleMessage(ctx, msg(sender, "first"))

	if err := m.SendAgain(ctx, sender); err != nil {
		t.Fatalf("send again: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(sender, "second")); err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(tr.forwards) != 2 {
		t.Fatalf("forwards = %d, want 2", len(tr.forwards))
	}
	if tr.forwards[1].To != 1 {
		t.Fatalf("second forward to %d, want 1", tr.forwards[1].To)
	}
}

func TestSendAgainWithoutHistory(t *testing.T) {
	m, _, tr := newTestMachine(t)
	sender := User{ID: 2}

	if err := m.SendAgain(context.Background(), sender); err != nil {
		t.Fatalf("send again: %v", err)
	}
	got := tr.sentTo(sender.ID)
	if len(got) != 1 || got[0].Text != textNoPrevious {
		t.Fatalf("sent = %+v, want no-previous notice", got)
	}
	if m.Sessions().InProgress(sender.ID) {
		t.Fatal("no session must be created")
	}
}

func TestBlockedSenderSilence(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()

	sender := User{ID: 2}
	_ = store.AddBlock(ctx, 1, sender.ID)

	if err := m.OpenLink(ctx, sender, 1); err != nil {
		t.Fatalf("open link: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(sender, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if n := tr.totalCalls(); n != 0 {
		t.Fatalf("transport calls = %d, want 0 (silent drop)", n)
	}
	if n := len(store.recordsOf(directory.KindForward)); n != 0 {
		t.Fatalf("records = %d, want 0", n)
	}
}

func TestBlockAfterLinkOpenedStillSilences(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()

	sender := User{ID: 2}
	if err := m.OpenLink(ctx, sender, 1); err != nil {
		t.Fatalf("open link: %v", err)
	}
	sends := tr.totalCalls()

	_ = store.AddBlock(ctx, 1, sender.ID)
	if err := m.HandleMessage(ctx, msg(sender, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if tr.totalCalls() != sends {
		t.Fatal("blocked relay must produce zero transport calls")
	}
	if m.Sessions().InProgress(sender.ID) {
		t.Fatal("link session must be consumed")
	}
}

func TestReplyAuthorization(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	owner := User{ID: 1}
	sender := User{ID: 2}
	stranger := int64(3)

	_ = m.OpenLink(ctx, sender, owner.ID)
	_ = m.HandleMessage(ctx, msg(sender, "hello"))

	if err := m.AuthorizeReply(ctx, stranger, sender.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger: err = %v, want ErrNotAuthorized", err)
	}
	if err := m.AuthorizeReply(ctx, owner.ID, sender.ID); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if err := m.AuthorizeReply(ctx, adminID, sender.ID); err != nil {
		t.Fatalf("admin: %v", err)
	}
}

func TestReplyAuthorizationSurvivesRestart(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()

	sender := User{ID: 2}
	_ = m.OpenLink(ctx, sender, 1)
	_ = m.HandleMessage(ctx, msg(sender, "hello"))

	// Fresh sessions simulate a process restart: only the durable forward
	// history remains.
	restarted := NewMachine(store, NewSessions(), tr, openAccess{}, admins(adminID))
	if err := restarted.AuthorizeReply(ctx, 1, sender.ID); err != nil {
		t.Fatalf("owner after restart: %v", err)
	}
	if err := restarted.AuthorizeReply(ctx, 3, sender.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger after restart: err = %v", err)
	}
}

func TestReplyFlow(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()

	owner := User{ID: 1}
	sender := User{ID: 2}
	_ = m.OpenLink(ctx, sender, owner.ID)
	_ = m.HandleMessage(ctx, msg(sender, "hello"))

	if err := m.BeginReply(ctx, owner.ID, sender.ID); err != nil {
		t.Fatalf("begin reply: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(owner, "hi back")); err != nil {
		t.Fatalf("reply message: %v", err)
	}

	if len(tr.copies) != 1 || tr.copies[0].To != sender.ID {
		t.Fatalf("copies = %+v, want one to sender", tr.copies)
	}
	recs := store.recordsOf(directory.KindReply)
	if len(recs) != 1 || recs[0].SenderID != owner.ID || recs[0].ReceiverID != sender.ID {
		t.Fatalf("reply records = %+v", recs)
	}

	// Target consumed: next owner message is inert.
	before := tr.totalCalls()
	_ = m.HandleMessage(ctx, msg(owner, "again"))
	if tr.totalCalls() != before {
		t.Fatal("reply target must be one-shot")
	}

	// The ack offers a one-tap reply to the same target.
	acks := tr.sentTo(owner.ID)
	last := acks[len(acks)-1]
	if last.Text != textReplySent {
		// the inert message produced nothing, so last ack is the reply ack
		t.Fatalf("last ack = %q", last.Text)
	}
	if len(last.Actions) != 1 || last.Actions[0].Kind != ActReply || last.Actions[0].Arg != sender.ID {
		t.Fatalf("ack actions = %+v", last.Actions)
	}
}

func TestBlockIdempotentViaMachine(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()

	sender := User{ID: 2}
	_ = m.OpenLink(ctx, sender, 1)
	_ = m.HandleMessage(ctx, msg(sender, "hello"))

	if err := m.Block(ctx, 1, sender.ID); err != nil {
		t.Fatalf("first block: %v", err)
	}
	if err := m.Block(ctx, 1, sender.ID); err != nil {
		t.Fatalf("second block: %v", err)
	}
	blocked, _ := store.IsBlocked(ctx, 1, sender.ID)
	if !blocked {
		t.Fatal("expected blocked")
	}
}

func TestBlockDeniedForStranger(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	sender := User{ID: 2}
	_ = m.OpenLink(ctx, sender, 1)
	_ = m.HandleMessage(ctx, msg(sender, "hello"))

	if err := m.Block(ctx, 3, sender.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_ = store.UpsertUser(ctx, directory.User{ID: i})
	}
	_ = store.UpsertUser(ctx, directory.User{ID: adminID, IsAdmin: true})
	tr.failCopyTo[3] = true

	admin := User{ID: adminID}
	if err := m.BeginBroadcast(ctx, adminID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(admin, "announcement")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if len(tr.copies) != 4 {
		t.Fatalf("copies = %d, want 4 (5 attempts, 1 failure)", len(tr.copies))
	}
	recs := store.recordsOf(directory.KindBroadcast)
	if len(recs) != 1 || recs[0].ReceiverID != 0 {
		t.Fatalf("broadcast records = %+v, want exactly one fan-out record", recs)
	}

	acks := tr.sentTo(adminID)
	report := acks[len(acks)-1].Text
	if !strings.Contains(report, "4 delivered") || !strings.Contains(report, "1 failed") {
		t.Fatalf("report = %q", report)
	}
	if m.Sessions().InProgress(adminID) {
		t.Fatal("broadcast prompt must be cleared")
	}
}

func TestAnonymousSendSuccess(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()
	admin := User{ID: adminID}

	if err := m.BeginAnonymous(ctx, adminID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(admin, "42")); err != nil {
		t.Fatalf("target id: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(admin, "secret note")); err != nil {
		t.Fatalf("message: %v", err)
	}

	got := tr.sentTo(42)
	if len(got) != 1 || got[0].Text != "secret note" {
		t.Fatalf("target received %+v", got)
	}
	recs := store.recordsOf(directory.KindAdminAnonymous)
	if len(recs) != 1 || recs[0].ReceiverID != 42 {
		t.Fatalf("records = %+v", recs)
	}
	if m.Sessions().InProgress(adminID) {
		t.Fatal("prompt must be cleared")
	}
}

func TestAnonymousTargetReprompts(t *testing.T) {
	m, _, tr := newTestMachine(t)
	ctx := context.Background()
	admin := User{ID: adminID}

	_ = m.BeginAnonymous(ctx, adminID)
	if err := m.HandleMessage(ctx, msg(admin, "not-a-number")); err != nil {
		t.Fatalf("bad id: %v", err)
	}

	p, ok := m.Sessions().Prompt(adminID)
	if !ok || p.Kind != PromptAnonymousTarget {
		t.Fatalf("prompt = %+v, want kept PromptAnonymousTarget", p)
	}
	acks := tr.sentTo(adminID)
	if acks[len(acks)-1].Text != textBadID {
		t.Fatalf("last ack = %q", acks[len(acks)-1].Text)
	}
}

func TestAnonymousSendFailureClearsState(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()
	admin := User{ID: adminID}

	tr.failSendTo[42] = true
	_ = m.BeginAnonymous(ctx, adminID)
	_ = m.HandleMessage(ctx, msg(admin, "42"))
	if err := m.HandleMessage(ctx, msg(admin, "secret")); err != nil {
		t.Fatalf("message: %v", err)
	}

	if m.Sessions().InProgress(adminID) {
		t.Fatal("failed delivery must still clear the prompt")
	}
	if n := len(store.recordsOf(directory.KindAdminAnonymous)); n != 0 {
		t.Fatalf("records = %d, want 0 on failure", n)
	}
	acks := tr.sentTo(adminID)
	if acks[len(acks)-1].Text != textAnonFailed {
		t.Fatalf("last ack = %q", acks[len(acks)-1].Text)
	}
}

func TestSearchRepromptsOnBadID(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	admin := User{ID: adminID}

	_ = m.BeginSearch(ctx, adminID)
	_ = m.HandleMessage(ctx, msg(admin, "xyz"))

	p, ok := m.Sessions().Prompt(adminID)
	if !ok || p.Kind != PromptSearchTarget {
		t.Fatalf("prompt = %+v, want kept PromptSearchTarget", p)
	}
}

func TestSearchRendersHistory(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()
	admin := User{ID: adminID}

	_ = store.AppendRecord(ctx, directory.RelayRecord{SenderID: 2, ReceiverID: 1, Kind: directory.KindForward, Content: "hello"})

	_ = m.BeginSearch(ctx, adminID)
	if err := m.HandleMessage(ctx, msg(admin, "2")); err != nil {
		t.Fatalf("search: %v", err)
	}

	acks := tr.sentTo(adminID)
	out := acks[len(acks)-1].Text
	if !strings.Contains(out, "2 -> 1") || !strings.Contains(out, "hello") {
		t.Fatalf("search output = %q", out)
	}
	if m.Sessions().InProgress(adminID) {
		t.Fatal("prompt must be cleared after a successful search")
	}
}

func TestSettingPrompt(t *testing.T) {
	m, store, tr := newTestMachine(t)
	ctx := context.Background()
	admin := User{ID: adminID}

	if err := m.BeginSetting(ctx, adminID, directory.KeyForceJoinChannel, "Send the channel handle."); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Empty input re-prompts without clearing.
	_ = m.HandleMessage(ctx, msg(admin, "   "))
	if _, ok := m.Sessions().Prompt(adminID); !ok {
		t.Fatal("empty value must keep the prompt")
	}
	acks := tr.sentTo(adminID)
	if acks[len(acks)-1].Text != textEmptyValue {
		t.Fatalf("last ack = %q", acks[len(acks)-1].Text)
	}

	_ = m.HandleMessage(ctx, msg(admin, "@mychannel"))
	v, err := store.GetSetting(ctx, directory.KeyForceJoinChannel)
	if err != nil || v != "@mychannel" {
		t.Fatalf("setting = %q, %v", v, err)
	}
	if m.Sessions().InProgress(adminID) {
		t.Fatal("prompt must be cleared after save")
	}
}

func TestBeginPromptsRequireAdmin(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	if err := m.BeginBroadcast(ctx, 5); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("broadcast: err = %v", err)
	}
	if err := m.BeginAnonymous(ctx, 5); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("anonymous: err = %v", err)
	}
	if err := m.BeginSearch(ctx, 5); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("search: err = %v", err)
	}
	if err := m.SendStats(ctx, 5); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stats: err = %v", err)
	}
}

func TestForceJoinScenario(t *testing.T) {
	store := newMemStore()
	tr := newFakeTransport()
	_ = store.PutSetting(context.Background(), directory.KeyForceJoinEnabled, "0")
	_ = store.PutSetting(context.Background(), directory.KeyForceJoinChannel, "@chan")
	_ = store.PutSetting(context.Background(), directory.KeyForceJoinLink, "https://t.me/chan")

	g := gate.New(store, staticQuerier{status: gate.StatusLeft}, admins(adminID))
	m := NewMachine(store, NewSessions(), tr, gateAccess{g}, admins(adminID))
	ctx := context.Background()

	// Gate off: the deep link works.
	sender := User{ID: 7}
	if err := m.OpenLink(ctx, sender, 1); err != nil {
		t.Fatalf("open link: %v", err)
	}
	if !m.Sessions().InProgress(sender.ID) {
		t.Fatal("link session must exist while gate is off")
	}
	m.Sessions().ConsumeLink(sender.ID)

	// Admin flips the toggle on.
	if err := m.ToggleForceJoin(ctx, adminID); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if v, _ := store.GetSetting(ctx, directory.KeyForceJoinEnabled); v != "1" {
		t.Fatalf("toggle did not persist, value = %q", v)
	}

	// Non-member now gets the join prompt and no session.
	if err := m.OpenLink(ctx, sender, 1); err != nil {
		t.Fatalf("gated open link: %v", err)
	}
	got := tr.sentTo(sender.ID)
	last := got[len(got)-1].Text
	if !strings.Contains(last, "https://t.me/chan") {
		t.Fatalf("join prompt = %q, want configured link", last)
	}
	if m.Sessions().InProgress(sender.ID) {
		t.Fatal("no state transition expected for a gated actor")
	}
}

func TestStats(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()

	_ = store.UpsertUser(ctx, directory.User{ID: 1})
	_ = store.UpsertUser(ctx, directory.User{ID: 2})
	_ = store.AppendRecord(ctx, directory.RelayRecord{SenderID: 2, ReceiverID: 1, Kind: directory.KindForward})
	_ = store.AppendRecord(ctx, directory.RelayRecord{SenderID: 2, ReceiverID: 1, Kind: directory.KindForward})

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Users != 2 || st.TopSenderID != 2 || st.TopSenderCount != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestAppendFailureSurfaces(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()

	sender := User{ID: 2}
	_ = m.OpenLink(ctx, sender, 1)
	store.failAppend = true

	if err := m.HandleMessage(ctx, msg(sender, "hello")); err == nil {
		t.Fatal("audit write failure must surface")
	}
}

func TestPersonalLinkGated(t *testing.T) {
	store := newMemStore()
	tr := newFakeTransport()
	_ = store.PutSetting(context.Background(), directory.KeyForceJoinEnabled, "1")
	_ = store.PutSetting(context.Background(), directory.KeyForceJoinChannel, "@chan")
	_ = store.PutSetting(context.Background(), directory.KeyForceJoinLink, "https://t.me/chan")

	g := gate.New(store, staticQuerier{status: gate.StatusLeft}, admins(adminID))
	m := NewMachine(store, NewSessions(), tr, gateAccess{g}, admins(adminID))
	ctx := context.Background()

	// A non-member asking for their link gets the join prompt, not a link.
	outsider := User{ID: 42, DisplayName: "Outsider"}
	if err := m.SendPersonalLink(ctx, outsider); err != nil {
		t.Fatalf("send link: %v", err)
	}
	got := tr.sentTo(outsider.ID)
	if len(got) != 1 {
		t.Fatalf("sends = %d, want 1", len(got))
	}
	if strings.Contains(got[0].Text, "?start=") {
		t.Fatalf("gated actor received a link: %q", got[0].Text)
	}
	if !strings.Contains(got[0].Text, "https://t.me/chan") {
		t.Fatalf("join prompt = %q, want configured link", got[0].Text)
	}

	// Admins bypass the gate.
	if err := m.SendPersonalLink(ctx, User{ID: adminID}); err != nil {
		t.Fatalf("admin link: %v", err)
	}
	adminGot := tr.sentTo(adminID)
	if len(adminGot) != 1 || !strings.Contains(adminGot[0].Text, "?start=1000") {
		t.Fatalf("admin link = %+v", adminGot)
	}
}

func TestMenuEventsRecordUser(t *testing.T) {
	m, store, _ := newTestMachine(t)
	ctx := context.Background()

	// The link path upserts the actor.
	fresh := User{ID: 5, DisplayName: "Fresh", Username: "fresh"}
	if err := m.SendPersonalLink(ctx, fresh); err != nil {
		t.Fatalf("send link: %v", err)
	}
	u, err := store.UserByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("user not recorded: %v", err)
	}
	if u.Username != "fresh" {
		t.Fatalf("username = %q", u.Username)
	}

	// And so does a bare menu touch.
	m.Touch(ctx, User{ID: 6})
	if _, err := store.UserByID(ctx, 6); err != nil {
		t.Fatalf("touched user not recorded: %v", err)
	}

	// Both now count as broadcast audience.
	ids, err := store.RecipientIDs(ctx)
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("recipients = %v, want both users", ids)
	}
}

func TestReplyResumesLastTarget(t *testing.T) {
	m, _, tr := newTestMachine(t)
	ctx := context.Background()

	owner := User{ID: 1}
	sender := User{ID: 2}
	_ = m.OpenLink(ctx, sender, owner.ID)
	_ = m.HandleMessage(ctx, msg(sender, "hello"))
	_ = m.BeginReply(ctx, owner.ID, sender.ID)
	_ = m.HandleMessage(ctx, msg(owner, "hi back"))

	// The consumed target is remembered for one-tap resumption.
	if err := m.ResumeReply(ctx, owner.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := m.HandleMessage(ctx, msg(owner, "one more")); err != nil {
		t.Fatalf("resumed reply: %v", err)
	}
	if len(tr.copies) != 2 || tr.copies[1].To != sender.ID {
		t.Fatalf("copies = %+v, want two to sender", tr.copies)
	}

	// Without history there is nothing to resume.
	stranger := User{ID: 9}
	if err := m.ResumeReply(ctx, stranger.ID); err != nil {
		t.Fatalf("resume without history: %v", err)
	}
	got := tr.sentTo(stranger.ID)
	if len(got) != 1 || got[0].Text != textNoPrevious {
		t.Fatalf("stranger reply = %+v", got)
	}
	if m.Sessions().InProgress(stranger.ID) {
		t.Fatal("no state must be armed without history")
	}
}
