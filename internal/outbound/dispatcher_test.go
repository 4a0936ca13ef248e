package outbound

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/event"
)

func tgEvent() event.InboundEvent {
	return event.InboundEvent{
		Transport: event.TransportTelegram, Kind: event.KindMessage,
		EventID: "tg-1", ConversationID: "chat-1", ActorID: "u1",
	}
}

func noSleep(d *Dispatcher) {
	d.sleep = func(context.Context, time.Duration) error { return nil }
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		maxChars int
		want     []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"exact", "hello", 5, []string{"hello"}},
		{"split", "hello world", 5, []string{"hello", " worl", "d"}},
		{"empty", "", 5, []string{""}},
		{"unicode counts runes", "ééééé", 2, []string{"éé", "éé", "é"}},
		{"no limit", "abc", 0, []string{"abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChunkText(tt.in, tt.maxChars)
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRetryDelayDeterminism(t *testing.T) {
	a := RetryDelay(100, 50, 3, "telegram:c:message:1")
	b := RetryDelay(100, 50, 3, "telegram:c:message:1")
	if a != b {
		t.Errorf("non-deterministic: %v vs %v", a, b)
	}

	if got := RetryDelay(0, 50, 3, "k"); got != 0 {
		t.Errorf("zero base should yield 0, got %v", got)
	}
	if got := RetryDelay(100, 0, 3, "k"); got != 400*time.Millisecond {
		t.Errorf("zero jitter attempt 3 = %v, want 400ms", got)
	}
	// Exponent is capped at 2^10.
	if got := RetryDelay(1, 0, 50, "k"); got != 1024*time.Millisecond {
		t.Errorf("capped delay = %v, want 1.024s", got)
	}
	// Jitter stays within [0, jitter].
	for attempt := 1; attempt <= 5; attempt++ {
		d := RetryDelay(10, 7, attempt, "some-key")
		base := time.Duration(10<<(attempt-1)) * time.Millisecond
		if d < base || d > base+7*time.Millisecond {
			t.Errorf("attempt %d delay %v outside [%v, %v]", attempt, d, base, base+7*time.Millisecond)
		}
	}
}

func TestDryRunWritesReceipts(t *testing.T) {
	store, _ := channelstore.Open(t.TempDir(), "telegram", "s")
	d := NewDispatcher(config.OutboundConfig{Mode: config.OutboundDryRun, MaxChars: 4},
		config.RetryConfig{MaxAttempts: 1}, nil)

	delivery, err := d.Deliver(context.Background(), tgEvent(), "0123456789", store, 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	if delivery.ChunkCount != 3 || delivery.Status != "dry_run" {
		t.Errorf("delivery = %+v", delivery)
	}

	entries, _, _ := store.LoadLogEntries()
	if len(entries) != 3 {
		t.Fatalf("receipts = %d, want 3", len(entries))
	}
	if entries[0].Payload["chunk_index"].(float64) != 0 || entries[0].PayloadStatus() != "dry_run" {
		t.Errorf("first receipt = %+v", entries[0].Payload)
	}
}

func TestProviderModePostsEachChunk(t *testing.T) {
	var posts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts = append(posts, r.URL.Path)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	adapter := NewTelegramAdapter(config.TelegramConfig{APIBase: srv.URL, Token: "tok"})
	d := NewDispatcher(config.OutboundConfig{Mode: config.OutboundProvider, MaxChars: 5, HTTPTimeoutMs: 2000},
		config.RetryConfig{MaxAttempts: 2, BaseDelayMs: 1}, []Adapter{adapter})
	noSleep(d)

	store, _ := channelstore.Open(t.TempDir(), "telegram", "s")
	delivery, err := d.Deliver(context.Background(), tgEvent(), "0123456789", store, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if delivery.Failed || delivery.ChunkCount != 2 {
		t.Errorf("delivery = %+v", delivery)
	}
	if len(posts) != 2 || posts[0] != "/bottok/sendMessage" {
		t.Errorf("posts = %v", posts)
	}
}

func TestProviderRetryThenSuccess(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	adapter := NewTelegramAdapter(config.TelegramConfig{APIBase: srv.URL, Token: "t"})
	d := NewDispatcher(config.OutboundConfig{Mode: config.OutboundProvider, MaxChars: 100, HTTPTimeoutMs: 2000},
		config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 1}, []Adapter{adapter})
	noSleep(d)

	store, _ := channelstore.Open(t.TempDir(), "telegram", "s")
	delivery, err := d.Deliver(context.Background(), tgEvent(), "hi", store, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if delivery.Failed || delivery.RetryAttempts != 1 {
		t.Errorf("delivery = %+v", delivery)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestProviderTerminalRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
	}))
	defer srv.Close()

	adapter := NewTelegramAdapter(config.TelegramConfig{APIBase: srv.URL, Token: "t"})
	d := NewDispatcher(config.OutboundConfig{Mode: config.OutboundProvider, MaxChars: 100, HTTPTimeoutMs: 2000},
		config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 1}, []Adapter{adapter})
	noSleep(d)

	store, _ := channelstore.Open(t.TempDir(), "telegram", "s")
	delivery, err := d.Deliver(context.Background(), tgEvent(), "hi", store, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !delivery.Failed || delivery.ReasonCode != "delivery_provider_rejected" {
		t.Errorf("delivery = %+v", delivery)
	}
	if delivery.RetryAttempts != 0 {
		t.Errorf("4xx must not retry, got %d retries", delivery.RetryAttempts)
	}

	entries, _, _ := store.LoadLogEntries()
	last := entries[len(entries)-1]
	if last.PayloadStatus() != "delivery_failed" {
		t.Errorf("failure entry = %+v", last.Payload)
	}
	if last.Payload["http_status"].(float64) != 400 {
		t.Errorf("http_status = %v", last.Payload["http_status"])
	}
}

func TestProviderRetryExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
	}))
	defer srv.Close()

	adapter := NewTelegramAdapter(config.TelegramConfig{APIBase: srv.URL, Token: "t"})
	d := NewDispatcher(config.OutboundConfig{Mode: config.OutboundProvider, MaxChars: 100, HTTPTimeoutMs: 2000},
		config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 1}, []Adapter{adapter})
	noSleep(d)

	store, _ := channelstore.Open(t.TempDir(), "telegram", "s")
	delivery, _ := d.Deliver(context.Background(), tgEvent(), "hi", store, 10, nil)
	if !delivery.Failed || delivery.ReasonCode != "delivery_retry_exhausted" {
		t.Errorf("delivery = %+v", delivery)
	}
	if delivery.RetryAttempts != 2 {
		t.Errorf("retries = %d, want 2", delivery.RetryAttempts)
	}
}

func TestChannelStoreModeGithubOverflow(t *testing.T) {
	store, _ := channelstore.Open(t.TempDir(), "github", "s")
	d := NewDispatcher(config.OutboundConfig{Mode: config.OutboundChannelStore, MaxChars: 100},
		config.RetryConfig{MaxAttempts: 1}, nil)

	e := event.InboundEvent{Transport: event.TransportGithub, Kind: event.KindIssueOpened,
		EventID: "42", ConversationID: "42", ActorID: "octo"}
	long := strings.Repeat("x", 70000)

	delivery, err := d.Deliver(context.Background(), e, long, store, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if delivery.Failed {
		t.Fatalf("delivery failed: %+v", delivery)
	}

	active, _ := store.ListActiveArtifacts(10)
	if len(active) != 1 || active[0].ArtifactType != "comment-overflow" {
		t.Fatalf("overflow artifact missing: %+v", active)
	}

	entries, _, _ := store.LoadLogEntries()
	text := entries[0].Payload["text"].(string)
	if len([]rune(text)) > 65100 {
		t.Errorf("comment body not capped: %d runes", len([]rune(text)))
	}
	if !strings.Contains(text, active[0].ID) {
		t.Error("pointer line missing artifact id")
	}
}

func TestWhatsAppBodyNormalizesRecipient(t *testing.T) {
	a := NewWhatsAppAdapter(config.WhatsAppConfig{PhoneNumberID: "551234", Token: "t"})
	e := event.InboundEvent{Transport: event.TransportWhatsApp, ConversationID: "551234:15550001111"}
	body, err := a.BuildBody(e, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `"to":"15550001111"`) {
		t.Errorf("body = %s", body)
	}
}
