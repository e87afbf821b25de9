package directory

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// In-memory databases vanish per connection; keep exactly one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	schema, err := os.ReadFile("../migrations/sqlite/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	return NewSQLStore(db)
}

func TestUpsertUserOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, User{ID: 7, DisplayName: "Old", Username: "old"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertUser(ctx, User{ID: 7, DisplayName: "New", Username: "new", IsAdmin: true}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	u, err := s.UserByID(ctx, 7)
	if err != nil {
		t.Fatalf("user by id: %v", err)
	}
	if u.DisplayName != "New" || u.Username != "new" || !u.IsAdmin {
		t.Fatalf("unexpected user after upsert: %+v", u)
	}

	n, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestLatestUsersOrderAndCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 20; i++ {
		u := User{ID: i, DisplayName: "u", LastSeen: base.Add(time.Duration(i) * time.Minute)}
		if err := s.UpsertUser(ctx, u); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	users, err := s.LatestUsers(ctx, 15)
	if err != nil {
		t.Fatalf("latest users: %v", err)
	}
	if len(users) != 15 {
		t.Fatalf("len = %d, want 15", len(users))
	}
	for i := range users {
		if want := int64(20 - i); users[i].ID != want {
			t.Fatalf("users[%d].ID = %d, want %d", i, users[i].ID, want)
		}
	}
}

func TestRecipientIDsExcludesAdmins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.UpsertUser(ctx, User{ID: 1, IsAdmin: true})
	_ = s.UpsertUser(ctx, User{ID: 2})
	_ = s.UpsertUser(ctx, User{ID: 3})

	ids, err := s.RecipientIDs(ctx)
	if err != nil {
		t.Fatalf("recipient ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("ids = %v, want [2 3]", ids)
	}
}

func TestRecordsForParticipantFilterAndCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		r := RelayRecord{SenderID: 100, ReceiverID: 200, Kind: KindForward, Content: "x"}
		if err := s.AppendRecord(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Unrelated traffic must not show up.
	_ = s.AppendRecord(ctx, RelayRecord{SenderID: 300, ReceiverID: 400, Kind: KindReply})

	recs, err := s.RecordsForParticipant(ctx, 200, 50)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 50 {
		t.Fatalf("len = %d, want 50", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].ID >= recs[i-1].ID {
			t.Fatalf("records not newest-first at %d: %d >= %d", i, recs[i].ID, recs[i-1].ID)
		}
	}
	for _, r := range recs {
		if r.SenderID != 200 && r.ReceiverID != 200 {
			t.Fatalf("record %d does not involve participant: %+v", r.ID, r)
		}
	}
}

func TestMostActiveSender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.MostActiveSender(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: err = %v, want ErrNotFound", err)
	}

	for i := 0; i < 3; i++ {
		_ = s.AppendRecord(ctx, RelayRecord{SenderID: 10, ReceiverID: 1, Kind: KindForward})
	}
	_ = s.AppendRecord(ctx, RelayRecord{SenderID: 20, ReceiverID: 1, Kind: KindForward})

	id, count, err := s.MostActiveSender(ctx)
	if err != nil {
		t.Fatalf("most active: %v", err)
	}
	if id != 10 || count != 3 {
		t.Fatalf("got (%d, %d), want (10, 3)", id, count)
	}
}

func TestLastForwardOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LastForwardOwner(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no history: err = %v, want ErrNotFound", err)
	}

	_ = s.AppendRecord(ctx, RelayRecord{SenderID: 5, ReceiverID: 11, Kind: KindForward})
	_ = s.AppendRecord(ctx, RelayRecord{SenderID: 5, ReceiverID: 22, Kind: KindForward})
	// Replies must not influence owner resolution.
	_ = s.AppendRecord(ctx, RelayRecord{SenderID: 5, ReceiverID: 33, Kind: KindReply})

	owner, err := s.LastForwardOwner(ctx, 5)
	if err != nil {
		t.Fatalf("last forward owner: %v", err)
	}
	if owner != 22 {
		t.Fatalf("owner = %d, want 22", owner)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, KeyForceJoinEnabled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: err = %v, want ErrNotFound", err)
	}

	if err := s.PutSetting(ctx, KeyForceJoinEnabled, "0"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutSetting(ctx, KeyForceJoinEnabled, "1"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	v, err := s.GetSetting(ctx, KeyForceJoinEnabled)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "1" {
		t.Fatalf("value = %q, want \"1\"", v)
	}
}

func TestBlockIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddBlock(ctx, 1, 2); err != nil {
		t.Fatalf("first block: %v", err)
	}
	if err := s.AddBlock(ctx, 1, 2); err != nil {
		t.Fatalf("repeat block: %v", err)
	}

	blocked, err := s.IsBlocked(ctx, 1, 2)
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if !blocked {
		t.Fatal("expected (1, 2) to be blocked")
	}

	other, err := s.IsBlocked(ctx, 2, 1)
	if err != nil {
		t.Fatalf("is blocked reverse: %v", err)
	}
	if other {
		t.Fatal("block must be directional")
	}
}
