package kv_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/kv"
)

func backends(t *testing.T) map[string]kv.Store {
	t.Helper()
	b, err := kv.NewBadger(kv.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	return map[string]kv.Store{
		"memory": kv.NewMemory(),
		"badger": b,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			if _, err := s.Get(ctx, "session/none"); !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("Get(absent) = %v, want ErrNotFound", err)
			}

			if err := s.Set(ctx, "session/abc", []byte("snap1"), 0); err != nil {
				t.Fatal(err)
			}
			got, err := s.Get(ctx, "session/abc")
			if err != nil || string(got) != "snap1" {
				t.Fatalf("Get = %q, %v", got, err)
			}

			if err := s.Set(ctx, "session/abc", []byte("snap2"), 0); err != nil {
				t.Fatal(err)
			}
			got, _ = s.Get(ctx, "session/abc")
			if string(got) != "snap2" {
				t.Fatalf("after overwrite Get = %q", got)
			}

			if err := s.Delete(ctx, "session/abc"); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Get(ctx, "session/abc"); !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("Get(deleted) = %v, want ErrNotFound", err)
			}
			if err := s.Delete(ctx, "session/abc"); err != nil {
				t.Fatalf("Delete(absent) = %v", err)
			}
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			if err := s.Set(ctx, "session/ttl", []byte("x"), 50*time.Millisecond); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Get(ctx, "session/ttl"); err != nil {
				t.Fatalf("Get before expiry: %v", err)
			}

			// Badger rounds TTLs up to whole seconds, so poll.
			deadline := time.Now().Add(3 * time.Second)
			for {
				if _, err := s.Get(ctx, "session/ttl"); errors.Is(err, kv.ErrNotFound) {
					return
				}
				if time.Now().After(deadline) {
					t.Fatal("entry never expired")
				}
				time.Sleep(20 * time.Millisecond)
			}
		})
	}
}

func TestStoreKeys(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			for _, k := range []string{"session/b", "session/a", "device/1"} {
				if err := s.Set(ctx, k, []byte("v"), 0); err != nil {
					t.Fatal(err)
				}
			}

			var got []string
			for k, err := range s.Keys(ctx, "session/") {
				if err != nil {
					t.Fatal(err)
				}
				got = append(got, k)
			}
			want := []string{"session/a", "session/b"}
			if !slices.Equal(got, want) {
				t.Fatalf("Keys = %v, want %v", got, want)
			}
		})
	}
}

func TestMemoryKeysSkipsExpired(t *testing.T) {
	s := kv.NewMemory()
	ctx := context.Background()
	s.Set(ctx, "session/live", []byte("v"), 0)
	s.Set(ctx, "session/dead", []byte("v"), time.Nanosecond)
	time.Sleep(time.Millisecond)

	var got []string
	for k := range s.Keys(ctx, "session/") {
		got = append(got, k)
	}
	if !slices.Equal(got, []string{"session/live"}) {
		t.Fatalf("Keys = %v, want [session/live]", got)
	}
}
