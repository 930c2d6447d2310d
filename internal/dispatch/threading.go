package dispatch

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// replyTagPattern matches explicit [[reply:<id>]] and [[reply:current]]
// threading tags anywhere in the payload text.
var replyTagPattern = regexp.MustCompile(`\[\[reply:([^\[\]]+)\]\]`)

// prepare applies the threading pipeline to a payload:
//
//  1. implicit threading to the originating message when allowed
//  2. explicit [[reply:...]] tags, stripped from the text; tag wins
//  3. the channel ReplyToMode filter
//  4. the renderable gate
//  5. dedupe against texts the agent already sent itself
//
// Returns ok=false when the payload must be dropped.
func (d *Dispatcher) prepare(payload bus.ReplyPayload) (bus.ReplyPayload, bool) {
	explicit := false

	// 2 first so the tag can override the implicit id set in 1.
	if m := replyTagPattern.FindStringSubmatch(payload.Text); m != nil {
		payload.Text = strings.TrimSpace(replyTagPattern.ReplaceAllString(payload.Text, ""))
		tag := strings.TrimSpace(m[1])
		explicit = true
		if tag == "current" {
			payload.ReplyToID = d.opts.OriginMessageID
		} else {
			payload.ReplyToID = tag
		}
		payload.ReplyToTag = tag
	} else if payload.ReplyToID == "" && payload.ReplyToCurrent {
		payload.ReplyToID = d.opts.OriginMessageID
	} else if payload.ReplyToID == "" && d.implicitThreading() {
		payload.ReplyToID = d.opts.OriginMessageID
	}

	// 3. Channel capability filter.
	switch d.opts.Mode {
	case ReplyToOff:
		payload.ReplyToID = ""
	case ReplyToExplicitOnly:
		if !explicit {
			payload.ReplyToID = ""
		}
	case ReplyToFirst:
		// An earlier payload is either delivered or still queued/in flight.
		d.mu.Lock()
		earlier := d.delivered > 0 || d.delivering
		d.mu.Unlock()
		if earlier && !explicit {
			payload.ReplyToID = ""
		}
	}

	// 4. Renderable gate.
	if !payload.Renderable() {
		return payload, false
	}

	// 5. Dedupe: fail closed — when the agent already sent this text (or a
	// prefix-extension of it) via its messaging tool, suppress.
	if d.isDuplicateOfAgentSent(payload.Text) {
		return payload, false
	}

	return payload, true
}

func (d *Dispatcher) implicitThreading() bool {
	return d.opts.OriginMessageID != "" &&
		(d.opts.Mode == ReplyToAll || d.opts.Mode == ReplyToFirst)
}

func (d *Dispatcher) isDuplicateOfAgentSent(text string) bool {
	t := normalizeForDedupe(text)
	if t == "" {
		return false
	}
	for _, k := range d.sentTexts.Keys() {
		if strings.HasPrefix(k, t) || strings.HasPrefix(t, k) {
			return true
		}
	}
	return false
}

func normalizeForDedupe(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
