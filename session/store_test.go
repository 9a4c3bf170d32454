package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, cfg), mr
}

func TestSaveGetDelete(t *testing.T) {
	s, _ := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	want := &Record{UserID: 42, AuthenticatedAt: time.Now().Unix()}
	if err := s.Save(ctx, "sess-1", want); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != want.UserID || got.AuthenticatedAt != want.AuthenticatedAt {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	if err := s.Delete(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("get after delete = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	s, _ := newTestStore(t, Config{TTL: time.Hour})
	if err := s.Delete(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	s, mr := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()

	if err := s.Save(ctx, "sess-1", &Record{UserID: 1}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound after expiry", err)
	}
}

func TestSlidingTTLRefreshesOnGet(t *testing.T) {
	s, mr := newTestStore(t, Config{TTL: time.Hour, Sliding: true})
	ctx := context.Background()

	if err := s.Save(ctx, "sess-1", &Record{UserID: 1}); err != nil {
		t.Fatal(err)
	}
	// Touch the record shortly before expiry; the read pushes it out again.
	mr.FastForward(50 * time.Minute)
	if _, err := s.Get(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Minute)
	if _, err := s.Get(ctx, "sess-1"); err != nil {
		t.Fatalf("err = %v, want record alive under sliding TTL", err)
	}
}

func TestFixedTTLDoesNotRefresh(t *testing.T) {
	s, mr := newTestStore(t, Config{TTL: time.Hour, Sliding: false})
	ctx := context.Background()

	if err := s.Save(ctx, "sess-1", &Record{UserID: 1}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Minute)
	if _, err := s.Get(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Minute)
	if _, err := s.Get(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want expiry under fixed TTL", err)
	}
}

func TestCorruptRecord(t *testing.T) {
	s, mr := newTestStore(t, Config{Prefix: "fses", TTL: time.Hour})
	mr.Set("fses:sess-1", "not a record")

	if _, err := s.Get(context.Background(), "sess-1"); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("err = %v, want ErrSessionCorrupt", err)
	}
}

func TestPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	a := New(client, Config{Prefix: "a", TTL: time.Hour})
	b := New(client, Config{Prefix: "b", TTL: time.Hour})
	ctx := context.Background()

	if err := a.Save(ctx, "sess-1", &Record{UserID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("cross-prefix read = %v, want ErrSessionNotFound", err)
	}
}

func TestRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := New(client, Config{TTL: time.Hour})
	mr.Close()

	ctx := context.Background()
	if err := s.Save(ctx, "s", &Record{}); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("save = %v, want ErrRedisUnavailable", err)
	}
	if _, err := s.Get(ctx, "s"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("get = %v, want ErrRedisUnavailable", err)
	}
	if err := s.Delete(ctx, "s"); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("delete = %v, want ErrRedisUnavailable", err)
	}
}
