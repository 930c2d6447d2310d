package agent

import (
	"fmt"
	"strings"
)

// FailureKind classifies agent transport/runtime failures into the
// recovery buckets the core acts on.
type FailureKind string

const (
	// FailureContextOverflow — the session's context window cannot hold the
	// turn. Recovery: archive transcript, mint a new session id, visible
	// "context limit exceeded" reply.
	FailureContextOverflow FailureKind = "context-overflow"

	// FailureRoleOrdering — persistent role alternation conflict in the
	// transcript. Same reset recovery, different visible message.
	FailureRoleOrdering FailureKind = "role-ordering"

	// FailureCorruptTranscript — agent-side history corruption.
	FailureCorruptTranscript FailureKind = "corrupt-transcript"

	// FailureTransient — network 5xx/429/rate-limit from the agent
	// transport. Retried with jittered backoff.
	FailureTransient FailureKind = "transient"

	// FailureFatal — everything else; surfaced, not retried.
	FailureFatal FailureKind = "fatal"
)

var contextOverflowMarkers = []string{
	"prompt is too long",
	"context window",
	"maximum context length",
	"context_length_exceeded",
	"input is too long",
}

var roleOrderingMarkers = []string{
	"role ordering",
	"roles must alternate",
	"unexpected role",
	"incorrect role sequence",
}

var corruptTranscriptMarkers = []string{
	"corrupted transcript",
	"history is corrupted",
	"invalid transcript",
	"malformed conversation",
}

var transientMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"overloaded",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"timeout awaiting",
	"connection reset",
	"connection was closed unexpectedly",
}

// Classify maps an agent error onto a FailureKind via known substrings.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureFatal
	}
	msg := strings.ToLower(err.Error())
	for _, m := range contextOverflowMarkers {
		if strings.Contains(msg, m) {
			return FailureContextOverflow
		}
	}
	for _, m := range roleOrderingMarkers {
		if strings.Contains(msg, m) {
			return FailureRoleOrdering
		}
	}
	for _, m := range corruptTranscriptMarkers {
		if strings.Contains(msg, m) {
			return FailureCorruptTranscript
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return FailureTransient
		}
	}
	return FailureFatal
}

// VisibleResetReply renders the user-facing reply for a reset recovery.
func VisibleResetReply(kind FailureKind) string {
	switch kind {
	case FailureContextOverflow:
		return "Context limit exceeded; session reset. Your next message starts fresh."
	case FailureRoleOrdering:
		return "Message ordering conflict; session reset. Your next message starts fresh."
	case FailureCorruptTranscript:
		return "Conversation history was corrupted; session reset. Your next message starts fresh."
	}
	return ""
}

// FriendlyTransportError rewrites abrupt socket failures into a readable
// block quoting the original.
func FriendlyTransportError(err error) string {
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "connection was closed unexpectedly") {
		return fmt.Sprintf("LLM connection failed:\n> %s", msg)
	}
	return msg
}
