package agent

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// BuildPrompt renders the agent-facing prompt for an envelope: header
// marker, reply context, body text, media markers. The header must be
// stripped with bus.StripEnvelope before text is shown to anything
// downstream of the agent.
func BuildPrompt(env *bus.Envelope, chatLabel string, now time.Time) string {
	var parts []string

	age := time.Duration(0)
	if !env.ReceivedAt.IsZero() && now.After(env.ReceivedAt) {
		age = now.Sub(env.ReceivedAt).Round(time.Second)
		if age < 5*time.Second {
			age = 0
		}
	}
	parts = append(parts, bus.FormatHeader(env, chatLabel, age))

	if env.ReplyTo != nil {
		marker := bus.FormatReplyMarker(env.ReplyTo)
		if env.ReplyTo.Body != "" {
			marker += "\n> " + strings.ReplaceAll(env.ReplyTo.Body, "\n", "\n> ")
		}
		parts = append(parts, marker)
	}

	if text := strings.TrimSpace(env.Text); text != "" {
		parts = append(parts, text)
	}

	if atts := promptAttachments(env); len(atts) > 0 {
		parts = append(parts, bus.FormatMediaMarker(atts))
	}

	return strings.Join(parts, "\n")
}

// promptAttachments filters attachments for the prompt. Audio whose
// transcript already appears elsewhere in the prompt is stripped to save
// tokens; the decision uses only the per-attachment MIME, never a fallback.
func promptAttachments(env *bus.Envelope) []bus.Attachment {
	hasTranscript := env.Metadata["transcript"] != ""
	out := make([]bus.Attachment, 0, len(env.Attachments))
	for _, a := range env.Attachments {
		if hasTranscript && isAudioMIME(a.MIME) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func isAudioMIME(mime string) bool {
	return strings.HasPrefix(mime, "audio/")
}
