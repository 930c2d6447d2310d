package bus

// ReplyPayload is one outbound reply unit handed to the dispatcher.
// A payload is enqueued iff it is renderable.
type ReplyPayload struct {
	Text         string                 `json:"text,omitempty"`
	MediaURL     string                 `json:"mediaUrl,omitempty"`
	MediaURLs    []string               `json:"mediaUrls,omitempty"`
	AudioAsVoice bool                   `json:"audioAsVoice,omitempty"`
	ChannelData  map[string]interface{} `json:"channelData,omitempty"`

	// Threading. ReplyToID threads to an explicit message; ReplyToCurrent
	// threads to the message that triggered the run; ReplyToTag holds a
	// parsed [[reply:...]] tag before resolution.
	ReplyToID      string `json:"replyToId,omitempty"`
	ReplyToCurrent bool   `json:"replyToCurrent,omitempty"`
	ReplyToTag     string `json:"replyToTag,omitempty"`
}

// Renderable reports whether the payload carries anything deliverable.
func (p *ReplyPayload) Renderable() bool {
	return p.Text != "" || p.MediaURL != "" || len(p.MediaURLs) > 0 || len(p.ChannelData) > 0
}

// OutboundMessage is a payload routed to a concrete channel conversation.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chatId"`
	ThreadID string            `json:"threadId,omitempty"`
	Payload  ReplyPayload      `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatusKind is a typing/status indicator forwarded to adapters.
type StatusKind string

const (
	StatusTyping  StatusKind = "typing"
	StatusIdle    StatusKind = "idle"
	StatusThinking StatusKind = "thinking"
	StatusError   StatusKind = "error"
)

// StatusUpdate asks a channel to show or clear an activity indicator.
type StatusUpdate struct {
	Channel string     `json:"channel"`
	ChatID  string     `json:"chatId"`
	Kind    StatusKind `json:"kind"`
}

// StatusSink receives status updates from the core. Adapters implement it;
// a nil sink drops updates.
type StatusSink interface {
	PushStatus(StatusUpdate)
}

// Event is a server-side event broadcast to gateway clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription, decoupling the
// gateway server and the agent runtime from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
