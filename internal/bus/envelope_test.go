package bus

import (
	"strings"
	"testing"
	"time"
)

func TestCoalesceKey_RuleOrder(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "balloon carrier wins",
			env: Envelope{
				Channel: "imessage", AccountID: "acc1",
				MessageID: "m2", BalloonBundleID: "b", AssociatedMessageID: "g1",
			},
			want: "imessage:acc1:balloon:g1",
		},
		{
			name: "balloon without associated id falls through to msg",
			env: Envelope{
				Channel: "imessage", AccountID: "acc1",
				MessageID: "m2", BalloonBundleID: "b",
			},
			want: "imessage:acc1:msg:m2",
		},
		{
			name: "stable message id",
			env:  Envelope{Channel: "telegram", AccountID: "bot1", MessageID: "42"},
			want: "telegram:bot1:msg:42",
		},
		{
			name: "scope fallback prefers chatGuid",
			env: Envelope{
				Channel: "sms", AccountID: "a", Sender: Sender{ID: "s1"},
				ChatGUID: "guid-1", ChatIdentifier: "ident-1", ChatID: "c1",
			},
			want: "sms:a:guid-1:s1",
		},
		{
			name: "scope fallback chain to chatId",
			env: Envelope{
				Channel: "sms", AccountID: "a", Sender: Sender{ID: "s1"}, ChatID: "c1",
			},
			want: "sms:a:c1:s1",
		},
		{
			name: "scope fallback to dm",
			env:  Envelope{Channel: "sms", AccountID: "a", Sender: Sender{ID: "s1"}},
			want: "sms:a:dm:s1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.CoalesceKey(); got != tt.want {
				t.Errorf("CoalesceKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripEnvelope(t *testing.T) {
	env := &Envelope{
		Channel:    "telegram",
		ChatID:     "-100123",
		PeerKind:   "group",
		GroupID:    "-100123",
		ReceivedAt: time.Date(2026, 8, 2, 10, 15, 0, 0, time.UTC),
	}
	header := FormatHeader(env, `Group "devs"`, 2*time.Minute)
	text := header + " hello there"

	got := StripEnvelope(text)
	if got != "hello there" {
		t.Fatalf("StripEnvelope(%q) = %q", text, got)
	}

	// Idempotent: stripping twice equals stripping once.
	if again := StripEnvelope(got); again != got {
		t.Errorf("StripEnvelope not idempotent: %q → %q", got, again)
	}

	// No age token variant.
	noAge := FormatHeader(env, "DM", 0) + " hi"
	if got := StripEnvelope(noAge); got != "hi" {
		t.Errorf("StripEnvelope(%q) = %q", noAge, got)
	}

	// Plain text untouched.
	if got := StripEnvelope("no marker [here] id:5"); got != "no marker [here] id:5" {
		t.Errorf("plain text mangled: %q", got)
	}
}

func TestCombineEntries_URLPreview(t *testing.T) {
	t0 := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	a := &Envelope{
		Channel: "imessage", AccountID: "acc",
		Text: "look here", MessageID: "m1",
		AssociatedMessageID: "g1", ReceivedAt: t0,
		ReplyTo: &ReplyRef{ID: "r9", Sender: "ann"},
	}
	b := &Envelope{
		Channel: "imessage", AccountID: "acc",
		Text: "https://ex.com", MessageID: "m2",
		BalloonBundleID: "b", AssociatedMessageID: "g1",
		ReceivedAt: t0.Add(120 * time.Millisecond),
	}

	combined := CombineEntries([]*Envelope{a, b})

	if combined.Text != "look here https://ex.com" {
		t.Errorf("text = %q", combined.Text)
	}
	if combined.MessageID != "m1" {
		t.Errorf("primary messageId = %q, want m1", combined.MessageID)
	}
	if combined.BalloonBundleID != "" {
		t.Errorf("balloonBundleId not cleared: %q", combined.BalloonBundleID)
	}
	if !combined.ReceivedAt.Equal(b.ReceivedAt) {
		t.Errorf("timestamp = %v, want max %v", combined.ReceivedAt, b.ReceivedAt)
	}
	if combined.ReplyTo == nil || combined.ReplyTo.ID != "r9" {
		t.Errorf("reply context lost: %+v", combined.ReplyTo)
	}
}

func TestCombineEntries_DuplicateTextSkipped(t *testing.T) {
	a := &Envelope{Text: "Check https://ex.com"}
	b := &Envelope{Text: "check https://ex.com"} // balloon echo, different case
	c := &Envelope{Text: "and this"}

	combined := CombineEntries([]*Envelope{a, b, c})
	if combined.Text != "Check https://ex.com and this" {
		t.Errorf("text = %q", combined.Text)
	}
}

func TestCombineEntries_AttachmentsReindexed(t *testing.T) {
	a := &Envelope{Attachments: []Attachment{
		{Kind: AttachmentImage, Path: "a0.png", Index: 0},
		{Kind: AttachmentImage, Path: "a1.png", Index: 1},
	}}
	b := &Envelope{Attachments: []Attachment{
		{Kind: AttachmentFile, Path: "b0.pdf", Index: 0},
	}}

	combined := CombineEntries([]*Envelope{a, b})
	if len(combined.Attachments) != 3 {
		t.Fatalf("attachments = %d, want 3", len(combined.Attachments))
	}
	wantPaths := []string{"a0.png", "a1.png", "b0.pdf"}
	for i, att := range combined.Attachments {
		if att.Index != i {
			t.Errorf("attachment %d index = %d", i, att.Index)
		}
		if att.Path != wantPaths[i] {
			t.Errorf("attachment %d path = %q, want %q", i, att.Path, wantPaths[i])
		}
	}
}

func TestCombineEntries_SingleEntryPassthrough(t *testing.T) {
	a := &Envelope{Text: "solo", BalloonBundleID: "b"}
	if got := CombineEntries([]*Envelope{a}); got != a {
		t.Error("single entry should pass through unchanged")
	}
	if got := CombineEntries(nil); got != nil {
		t.Error("empty input should return nil")
	}
}

func TestFormatMediaMarker(t *testing.T) {
	single := FormatMediaMarker([]Attachment{{Kind: AttachmentImage, Path: "/tmp/x.png", MIME: "image/png", URL: "https://u"}})
	if single != "[media attached: /tmp/x.png (image/png) | https://u]" {
		t.Errorf("single = %q", single)
	}

	multi := FormatMediaMarker([]Attachment{
		{Kind: AttachmentImage, Path: "/a.png"},
		{Kind: AttachmentFile, Path: "/b.pdf"},
	})
	if !strings.HasPrefix(multi, "[media attached: 2 files]\n") {
		t.Errorf("multi = %q", multi)
	}
}
