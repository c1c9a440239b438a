package adapter

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

type stubAdapter struct{ name string }

func (a *stubAdapter) Name() string { return a.name }
func (a *stubAdapter) FetchSince(context.Context, string, feed.SyncCursor, Credentials) (FetchResult, error) {
	return FetchResult{}, nil
}
func (a *stubAdapter) Normalize(RawMessage) (feed.Message, error) { return feed.Message{}, nil }
func (a *stubAdapter) Send(context.Context, string, string, Credentials) (string, error) {
	return "", nil
}
func (a *stubAdapter) RegisterWebhook(context.Context, string, string, Credentials) (string, error) {
	return "", nil
}
func (a *stubAdapter) VerifyWebhook(*http.Request, []byte) error { return nil }

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubAdapter{name: "telegram"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	a, err := r.Lookup("telegram")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if a.Name() != "telegram" {
		t.Errorf("Name = %q, want telegram", a.Name())
	}

	// Lookup is case-insensitive on the platform name.
	if _, err := r.Lookup("Telegram"); err != nil {
		t.Errorf("case-insensitive Lookup error: %v", err)
	}
}

func TestRegistryUnknownPlatform(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("pigeon"); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("Lookup unknown = %v, want ErrUnknownPlatform", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubAdapter{name: "telegram"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubAdapter{name: "telegram"}); err == nil {
		t.Error("expected error registering a duplicate platform")
	}
	if err := r.Register(&stubAdapter{name: ""}); err == nil {
		t.Error("expected error registering an empty platform name")
	}
}

func TestRegistryPlatformsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"whatsapp", "telegram", "slack"} {
		if err := r.Register(&stubAdapter{name: name}); err != nil {
			t.Fatal(err)
		}
	}
	got := r.Platforms()
	want := []string{"slack", "telegram", "whatsapp"}
	if len(got) != len(want) {
		t.Fatalf("Platforms = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Platforms = %v, want %v", got, want)
			break
		}
	}
}
