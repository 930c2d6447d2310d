package sessions

// StoreAPI is the store contract the scheduler and gateway consume. The
// JSON-file Store is the default; internal/store/sqlite provides the
// SQLite-backed alternative.
type StoreAPI interface {
	Load() (map[string]Session, error)
	Get(key string) (Session, bool, error)
	Mutate(key string, fn func(cur *Session) *Session) (Session, error)
	Delete(key string) error

	TranscriptPath(sessionID, agentID string) string
	ResolveTranscriptCandidates(sessionID, agentID string) []string
	OpenTranscript(sessionID, agentID string) string
	Archive(sessionID, agentID string, reason ArchiveReason)
}

var _ StoreAPI = (*Store)(nil)
