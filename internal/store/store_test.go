package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"threatdash/internal/db"
	"threatdash/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "store.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if _, err := db.Migrate(context.Background(), sqdb, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(sqdb, "sqlite")
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sess := models.Session{
		ID:            "s1",
		TokenHash:     "hash-1",
		BackendToken:  "enc",
		Username:      "alice",
		Email:         "alice@example.com",
		Role:          "admin",
		ExpiresAt:     now.Add(time.Hour),
		IdleExpiresAt: now.Add(time.Hour),
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := st.GetSessionByTokenHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != "s1" || got.Username != "alice" || !got.IsAdmin() || got.RevokedAt != nil {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := st.UpdateSessionIdentity(ctx, "s1", "alice2", "alice@example.com", "user"); err != nil {
		t.Fatalf("update identity: %v", err)
	}
	if err := st.RevokeSession(ctx, "s1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err = st.GetSessionByTokenHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get revoked session: %v", err)
	}
	if got.RevokedAt == nil || got.Username != "alice2" || got.IsAdmin() {
		t.Fatalf("expected revoked non-admin session, got %+v", got)
	}

	if _, err := st.GetSessionByTokenHash(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSessionsBefore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, exp := range []time.Time{now.Add(-2 * time.Hour), now.Add(2 * time.Hour)} {
		id := []string{"old", "live"}[i]
		if err := st.CreateSession(ctx, models.Session{
			ID: id, TokenHash: "h-" + id, BackendToken: "x",
			ExpiresAt: exp, IdleExpiresAt: exp, CreatedAt: now, LastSeenAt: now,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	n, err := st.DeleteSessionsBefore(ctx, now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned session, got %d", n)
	}
	if _, err := st.GetSessionByTokenHash(ctx, "h-live"); err != nil {
		t.Fatalf("live session should remain: %v", err)
	}
}

func TestRateEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	window := time.Now().UTC().Truncate(15 * time.Minute)

	for i := 1; i <= 3; i++ {
		n, err := st.IncrementRateEvent(ctx, "1.2.3.4|a@example.com", "login", window)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n != i {
			t.Fatalf("expected count %d, got %d", i, n)
		}
	}
	if n, _ := st.CountRateEvents(ctx, "1.2.3.4|a@example.com", "login", window); n != 3 {
		t.Fatalf("expected count 3, got %d", n)
	}
	if err := st.DeleteRateEvents(ctx, "1.2.3.4|a@example.com", "login"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := st.CountRateEvents(ctx, "1.2.3.4|a@example.com", "login", window); n != 0 {
		t.Fatalf("expected count 0 after delete, got %d", n)
	}
}

func TestAuditFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.InsertAudit(ctx, "alice", models.AuditLogin, "", ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.InsertAudit(ctx, "bob", models.AuditIngestTrigger, "feeds", `{"ok":true}`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := st.ListAudit(ctx, models.AuditQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	only, err := st.ListAudit(ctx, models.AuditQuery{Action: models.AuditIngestTrigger})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(only) != 1 || only[0].Actor != "bob" || only[0].MetadataJSON != `{"ok":true}` {
		t.Fatalf("unexpected filtered entries: %+v", only)
	}
	if all[1].MetadataJSON != "{}" && all[0].MetadataJSON != "{}" {
		t.Fatalf("expected empty metadata to default to {}")
	}
}

func TestRebindForPostgres(t *testing.T) {
	s := &Store{driver: "pgx"}
	if got := s.rebind("SELECT a FROM t WHERE x=? AND y=?"); got != "SELECT a FROM t WHERE x=$1 AND y=$2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	s.driver = "mysql"
	if got := s.rebind("x=?"); got != "x=?" {
		t.Fatalf("mysql should keep ? placeholders, got %s", got)
	}
}
