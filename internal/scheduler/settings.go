// Package scheduler owns the per-session lanes: one serial execution domain
// per session key, with five queueing modes, drop policies, cancellation,
// and the slash-command surface that mutates them.
package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode is the lane's behavior when a message arrives mid-run.
type Mode string

const (
	// ModeCollect buffers arrivals and flushes them as one synthetic
	// envelope after the run completes.
	ModeCollect Mode = "collect"

	// ModeFollowup buffers arrivals and processes each sequentially after
	// the run completes.
	ModeFollowup Mode = "followup"

	// ModeSteer cancels the in-flight run and starts a fresh one whose
	// prompt includes the new text.
	ModeSteer Mode = "steer"

	// ModeSteerBacklog is steer plus the cancelled run's in-flight tool
	// output and any buffered inputs.
	ModeSteerBacklog Mode = "steer+backlog"

	// ModeInterrupt cancels the run, discards its partial output, and
	// starts fresh with only the new message.
	ModeInterrupt Mode = "interrupt"
)

// DropPolicy decides what happens when the buffer exceeds its cap.
type DropPolicy string

const (
	DropOld       DropPolicy = "old"       // evict oldest buffered entries
	DropNew       DropPolicy = "new"       // reject the just-arrived entry
	DropSummarize DropPolicy = "summarize" // compact oldest entries into a lossy summary
)

// Settings are the active queue parameters of one lane. Mutated by /queue
// and persisted to session metadata.
type Settings struct {
	Mode     Mode
	Debounce time.Duration
	Cap      int
	Drop     DropPolicy
}

// DefaultSettings returns the config-driven fallback.
func DefaultSettings() Settings {
	return Settings{Mode: ModeCollect, Debounce: 500 * time.Millisecond, Cap: 10, Drop: DropOld}
}

func validMode(m Mode) bool {
	switch m {
	case ModeCollect, ModeFollowup, ModeSteer, ModeSteerBacklog, ModeInterrupt:
		return true
	}
	return false
}

func validDrop(p DropPolicy) bool {
	switch p {
	case DropOld, DropNew, DropSummarize:
		return true
	}
	return false
}

// ParseQueueArgs applies `/queue mode:<m> debounce:<ms|s|m> cap:<n> drop:<p>`
// tokens onto cur. Empty args means "report only" (changed=false).
func ParseQueueArgs(cur Settings, args string) (next Settings, changed bool, err error) {
	next = cur
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return cur, false, nil
	}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, ":")
		if !ok {
			return cur, false, fmt.Errorf("unrecognized token %q", f)
		}
		switch strings.ToLower(k) {
		case "mode":
			m := Mode(strings.ToLower(v))
			if !validMode(m) {
				return cur, false, fmt.Errorf("unknown mode %q", v)
			}
			next.Mode = m
		case "debounce":
			d, perr := parseDebounce(v)
			if perr != nil {
				return cur, false, perr
			}
			next.Debounce = d
		case "cap":
			n, perr := strconv.Atoi(v)
			if perr != nil || n < 1 {
				return cur, false, fmt.Errorf("invalid cap %q", v)
			}
			next.Cap = n
		case "drop":
			p := DropPolicy(strings.ToLower(v))
			if !validDrop(p) {
				return cur, false, fmt.Errorf("unknown drop policy %q", v)
			}
			next.Drop = p
		default:
			return cur, false, fmt.Errorf("unrecognized token %q", f)
		}
	}
	return next, true, nil
}

// parseDebounce accepts a bare millisecond count or an s/m suffixed value.
func parseDebounce(v string) (time.Duration, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	switch {
	case strings.HasSuffix(v, "ms"):
		n, err := strconv.Atoi(strings.TrimSuffix(v, "ms"))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid debounce %q", v)
		}
		return time.Duration(n) * time.Millisecond, nil
	case strings.HasSuffix(v, "s"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(v, "s"), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid debounce %q", v)
		}
		return time.Duration(n * float64(time.Second)), nil
	case strings.HasSuffix(v, "m"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(v, "m"), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid debounce %q", v)
		}
		return time.Duration(n * float64(time.Minute)), nil
	default:
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid debounce %q", v)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
}

// Report renders the active settings the way /queue with no args shows them.
func (s Settings) Report() string {
	return fmt.Sprintf("queue: mode=%s debounce=%s cap=%d drop=%s",
		s.Mode, s.Debounce, s.Cap, s.Drop)
}

// sortedModes is used by /help output.
func sortedModes() []string {
	modes := []string{string(ModeCollect), string(ModeFollowup), string(ModeSteer), string(ModeSteerBacklog), string(ModeInterrupt)}
	sort.Strings(modes)
	return modes
}
