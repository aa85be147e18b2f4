package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/roomsync/internal/domain"
)

func openTemp(t *testing.T, ttl time.Duration) *SQLite {
	t.Helper()
	c, err := Open(context.Background(), filepath.Join(t.TempDir(), "messages.db"), ttl)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func msg(id string, at time.Time) domain.ChatMessage {
	return domain.ChatMessage{ID: id, From: "p1", Content: "body " + id, Type: domain.MessageText, SentAt: at}
}

func TestSQLite_RecentOrderAndLimit(t *testing.T) {
	c := openTemp(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	var msgs []domain.ChatMessage
	for i := 0; i < 5; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	if err := c.Store(ctx, "s1", msgs[:3]); err != nil {
		t.Fatalf("store: %v", err)
	}
	// Overlapping writes replace rather than duplicate.
	if err := c.Store(ctx, "s1", msgs[2:]); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.Store(ctx, "s2", []domain.ChatMessage{msg("other", base)}); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := c.Recent(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 || got[0].ID != "m2" || got[2].ID != "m4" {
		t.Fatalf("got %v", ids(got))
	}
	if got[0].Content != "body m2" || !got[0].SentAt.Equal(msgs[2].SentAt) {
		t.Fatalf("message not round tripped: %+v", got[0])
	}

	all, err := c.Recent(ctx, "s1", 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("unbounded recent: %d %v", len(all), err)
	}
}

func TestSQLite_Expiry(t *testing.T) {
	c := openTemp(t, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Store(ctx, "s1", []domain.ChatMessage{msg("old", now)}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if err := c.Store(ctx, "s1", []domain.ChatMessage{msg("new", now)}); err != nil {
		t.Fatal(err)
	}

	got, err := c.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("expired rows readable: %v", ids(got))
	}
	n, err := c.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge removed %d rows, err %v", n, err)
	}
}

func TestSQLite_StoreNothing(t *testing.T) {
	c := openTemp(t, 0)
	if c.ttl != DefaultTTL {
		t.Fatalf("ttl %v", c.ttl)
	}
	if err := c.Store(context.Background(), "s1", nil); err != nil {
		t.Fatal(err)
	}
	got, err := c.Recent(context.Background(), "s1", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v %v", got, err)
	}
}

func ids(msgs []domain.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
