// Package bus carries the normalized message records exchanged between
// channel adapters, the debouncer, the scheduler, and the reply dispatcher,
// plus the in-process fan-in/fan-out bus that moves them.
package bus

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// AttachmentKind tags a normalized attachment.
type AttachmentKind string

const (
	AttachmentImage   AttachmentKind = "image"
	AttachmentAudio   AttachmentKind = "audio"
	AttachmentVideo   AttachmentKind = "video"
	AttachmentSticker AttachmentKind = "sticker"
	AttachmentFile    AttachmentKind = "file"
)

// Attachment is one media item on an inbound envelope. Index is the
// provider-order sequence, preserved (and re-indexed globally) across
// coalescing so media-understanding results can be mapped back.
type Attachment struct {
	Kind  AttachmentKind `json:"kind"`
	Path  string         `json:"path,omitempty"`
	URL   string         `json:"url,omitempty"`
	MIME  string         `json:"mime,omitempty"`
	Index int            `json:"index"`
}

// Sender identifies who authored an inbound message.
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

// ReplyRef is the quoted-message context on an inbound envelope.
type ReplyRef struct {
	ID     string `json:"id"`
	Body   string `json:"body,omitempty"`
	Sender string `json:"sender,omitempty"`
}

// Envelope is one inbound unit after normalization. It carries enough to
// reconstruct a deterministic coalesce key without re-reading adapter state.
type Envelope struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	Sender    Sender `json:"sender"`

	// Conversation scope. PeerKind is "direct" or "group"; ThreadID is set
	// for forum topics / threads.
	PeerKind       string `json:"peerKind"`
	ChatGUID       string `json:"chatGuid,omitempty"`
	ChatIdentifier string `json:"chatIdentifier,omitempty"`
	ChatID         string `json:"chatId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`

	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *ReplyRef    `json:"replyTo,omitempty"`

	MessageID           string    `json:"messageId,omitempty"`
	BalloonBundleID     string    `json:"balloonBundleId,omitempty"`
	AssociatedMessageID string    `json:"associatedMessageId,omitempty"`
	ReceivedAt          time.Time `json:"receivedAt"`
	FromMe              bool      `json:"fromMe,omitempty"`
	WasMentioned        bool      `json:"wasMentioned,omitempty"`

	// Metadata carries adapter-specific extras that survive normalization
	// (e.g. telegram business connection id). Never consulted for keying.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CoalesceKey derives the debouncer bucket key. Rules, in order:
//  1. balloon carrier: "<channel>:<accountId>:balloon:<associatedMessageId>"
//  2. stable message id: "<channel>:<accountId>:msg:<messageId>"
//  3. scope fallback: "<channel>:<accountId>:<scopeKey>:<senderId>"
//
// scopeKey is the first non-empty of chatGuid | chatIdentifier | chatId | "dm".
func (e *Envelope) CoalesceKey() string {
	if e.BalloonBundleID != "" && e.AssociatedMessageID != "" {
		return fmt.Sprintf("%s:%s:balloon:%s", e.Channel, e.AccountID, e.AssociatedMessageID)
	}
	if e.MessageID != "" {
		return fmt.Sprintf("%s:%s:msg:%s", e.Channel, e.AccountID, e.MessageID)
	}
	scopeKey := e.ChatGUID
	if scopeKey == "" {
		scopeKey = e.ChatIdentifier
	}
	if scopeKey == "" {
		scopeKey = e.ChatID
	}
	if scopeKey == "" {
		scopeKey = "dm"
	}
	return fmt.Sprintf("%s:%s:%s:%s", e.Channel, e.AccountID, scopeKey, e.Sender.ID)
}

// ScopeID returns the conversation identifier used in session keys:
// group id (else chat id) for groups; chat id (else sender id) for DMs.
func (e *Envelope) ScopeID() string {
	if e.PeerKind == "group" {
		if e.GroupID != "" {
			return e.GroupID
		}
		return e.ChatID
	}
	if e.ChatID != "" {
		return e.ChatID
	}
	return e.Sender.ID
}

// --- Prompt header markers ---

// FormatHeader renders the prompt header marker for an envelope:
//
//	[Telegram Group "devs" id:-100123 +2m 2026-08-02T10:15:00Z]
//
// ageToken is omitted when zero.
func FormatHeader(e *Envelope, label string, age time.Duration) string {
	channel := titleCase(e.Channel)
	ageTok := ""
	if age > 0 {
		ageTok = " +" + compactDuration(age)
	}
	ts := e.ReceivedAt.UTC().Format(time.RFC3339)
	return fmt.Sprintf("[%s %s id:%s%s %s]", channel, label, e.ScopeID(), ageTok, ts)
}

// FormatReplyMarker renders the quoted-context marker.
func FormatReplyMarker(ref *ReplyRef) string {
	if ref == nil {
		return ""
	}
	return fmt.Sprintf("[Replying to %s id:%s]", ref.Sender, ref.ID)
}

// FormatMediaMarker renders media markers: a single attachment inlines path,
// mime, and url; multiple attachments get a count line plus per-file lines.
func FormatMediaMarker(atts []Attachment) string {
	switch len(atts) {
	case 0:
		return ""
	case 1:
		return mediaLine(atts[0])
	}
	lines := make([]string, 0, len(atts)+1)
	lines = append(lines, fmt.Sprintf("[media attached: %d files]", len(atts)))
	for _, a := range atts {
		lines = append(lines, mediaLine(a))
	}
	return strings.Join(lines, "\n")
}

func mediaLine(a Attachment) string {
	var b strings.Builder
	b.WriteString("[media attached: ")
	if a.Path != "" {
		b.WriteString(a.Path)
	} else {
		b.WriteString(string(a.Kind))
	}
	if a.MIME != "" {
		b.WriteString(" (" + a.MIME + ")")
	}
	if a.URL != "" {
		b.WriteString(" | " + a.URL)
	}
	b.WriteString("]")
	return b.String()
}

// envelopeHeaderPattern matches the marker FormatHeader generates:
// [<channel-word> <label...> id:<token> [+<age>] <timestamp>] at the start
// of the text. Label may contain spaces but not brackets.
var envelopeHeaderPattern = regexp.MustCompile(
	`^\[[A-Za-z][\w.-]*\s[^\[\]]*?\sid:\S+(?:\s\+\S+)?\s\d{4}-\d{2}-\d{2}T[0-9:.+Zz-]+\]\s*`,
)

// StripEnvelope removes a recognized leading header marker from text.
// Idempotent: stripping twice equals stripping once.
func StripEnvelope(text string) string {
	return envelopeHeaderPattern.ReplaceAllString(text, "")
}

// --- Coalescing ---

// CombineEntries merges rapid-fire fragments (text + link preview + image
// arriving as separate events) into one logical envelope:
//
//   - texts concatenate in arrival order, skipping case-insensitive duplicates
//     (the URL-text + URL-balloon case)
//   - attachments flatten in arrival order, re-indexed globally
//   - timestamp is the max; primary messageId is the first entry's
//   - reply context comes from the first entry that has any
//   - balloonBundleId is cleared — the combined result is no longer a balloon
func CombineEntries(entries []*Envelope) *Envelope {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) == 1 {
		return entries[0]
	}

	combined := *entries[0]

	var texts []string
	seen := make(map[string]bool)
	for _, e := range entries {
		t := strings.TrimSpace(e.Text)
		if t == "" {
			continue
		}
		lower := strings.ToLower(t)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		texts = append(texts, t)
	}
	combined.Text = strings.Join(texts, " ")

	var atts []Attachment
	for _, e := range entries {
		// Preserve intra-entry provider order before re-indexing globally.
		local := make([]Attachment, len(e.Attachments))
		copy(local, e.Attachments)
		sort.SliceStable(local, func(i, j int) bool { return local[i].Index < local[j].Index })
		atts = append(atts, local...)
	}
	for i := range atts {
		atts[i].Index = i
	}
	combined.Attachments = atts

	latest := entries[0].ReceivedAt
	for _, e := range entries[1:] {
		if e.ReceivedAt.After(latest) {
			latest = e.ReceivedAt
		}
	}
	combined.ReceivedAt = latest

	combined.ReplyTo = nil
	for _, e := range entries {
		if e.ReplyTo != nil {
			combined.ReplyTo = e.ReplyTo
			break
		}
	}

	combined.BalloonBundleID = ""
	return &combined
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// compactDuration renders "45s", "2m", "3h" style age tokens.
func compactDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
