package event

import (
	"testing"
)

func TestKey(t *testing.T) {
	e := InboundEvent{
		Transport:      TransportTelegram,
		Kind:           KindMessage,
		EventID:        "tg-1",
		ConversationID: "chat-1",
	}
	want := "telegram:chat-1:message:tg-1"
	if got := e.Key(); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   InboundEvent
		wantErr bool
	}{
		{
			name: "valid",
			event: InboundEvent{
				Transport: TransportDiscord, Kind: KindMessage,
				EventID: "dc-1", ConversationID: "chan-1", ActorID: "u1",
			},
		},
		{
			name: "unknown transport",
			event: InboundEvent{
				Transport: "irc", EventID: "x", ConversationID: "y",
			},
			wantErr: true,
		},
		{
			name: "whitespace event id",
			event: InboundEvent{
				Transport: TransportTelegram, EventID: "  ", ConversationID: "y",
			},
			wantErr: true,
		},
		{
			name: "empty conversation",
			event: InboundEvent{
				Transport: TransportTelegram, EventID: "x", ConversationID: "",
			},
			wantErr: true,
		},
		{
			name: "empty actor is allowed at validation time",
			event: InboundEvent{
				Transport: TransportTelegram, EventID: "x", ConversationID: "y", ActorID: "",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsDirect(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]string
		tr   Transport
		want bool
	}{
		{"explicit direct", map[string]string{"conversation_mode": "direct"}, TransportDiscord, true},
		{"explicit group", map[string]string{"conversation_mode": "group"}, TransportTelegram, false},
		{"guild implies group", map[string]string{"guild_id": "guild-1"}, TransportDiscord, false},
		{"whatsapp defaults direct", nil, TransportWhatsApp, true},
		{"bare telegram defaults direct", nil, TransportTelegram, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := InboundEvent{Transport: tt.tr, Metadata: tt.meta}
			if got := e.IsDirect(); got != tt.want {
				t.Errorf("IsDirect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortEvents(t *testing.T) {
	events := []InboundEvent{
		{Transport: TransportWhatsApp, Kind: KindMessage, EventID: "wa-1", ConversationID: "c", TimestampMs: 300},
		{Transport: TransportTelegram, Kind: KindMessage, EventID: "tg-1", ConversationID: "c", TimestampMs: 100},
		{Transport: TransportDiscord, Kind: KindMessage, EventID: "dc-b", ConversationID: "c", TimestampMs: 200},
		{Transport: TransportDiscord, Kind: KindMessage, EventID: "dc-a", ConversationID: "c", TimestampMs: 200},
	}
	SortEvents(events)

	got := make([]string, len(events))
	for i, e := range events {
		got[i] = e.EventID
	}
	want := []string{"tg-1", "dc-a", "dc-b", "wa-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
