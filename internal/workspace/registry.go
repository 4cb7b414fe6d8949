package workspace

import (
	"strings"
	"sync"
)

// RegistryEntry is the server-side projection of one workspace task.
type RegistryEntry struct {
	SessionID    string `json:"session_id"`
	TaskID       string `json:"task_id"`
	AgentURL     string `json:"agent_url"`
	ArtifactType string `json:"artifact_type"`
}

// Registry maps session/task pairs to the agent URL serving them. It lives
// on the API server and starts empty on every boot: a server restart
// requires the agent to re-register, and until then public URLs 404
// rather than routing to stale agents.
type Registry struct {
	mu   sync.Mutex
	data map[string]map[string]RegistryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{data: map[string]map[string]RegistryEntry{}}
}

// Register adds or updates a task registration.
func (r *Registry) Register(sessionID, taskID, agentURL, artifactType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data[sessionID] == nil {
		r.data[sessionID] = map[string]RegistryEntry{}
	}
	r.data[sessionID][taskID] = RegistryEntry{
		SessionID:    sessionID,
		TaskID:       taskID,
		AgentURL:     strings.TrimRight(agentURL, "/"),
		ArtifactType: artifactType,
	}
}

// Deregister removes a task registration. Returns whether the entry
// existed; callers treat a miss as success (idempotent).
func (r *Registry) Deregister(sessionID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.data[sessionID]
	if !ok {
		return false
	}
	if _, ok := session[taskID]; !ok {
		return false
	}
	delete(session, taskID)
	if len(session) == 0 {
		delete(r.data, sessionID)
	}
	return true
}

// Lookup returns the agent URL for a registered task, or "".
func (r *Registry) Lookup(sessionID, taskID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.data[sessionID][taskID]; ok {
		return entry.AgentURL
	}
	return ""
}

// ListAll returns every registered entry, for the debug listing.
func (r *Registry) ListAll() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []RegistryEntry
	for _, tasks := range r.data {
		for _, entry := range tasks {
			entries = append(entries, entry)
		}
	}
	return entries
}
