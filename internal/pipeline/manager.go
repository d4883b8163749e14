package pipeline

import (
	"errors"
	"sort"
	"sync"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/google/uuid"
)

// ErrCameraBusy is returned when a second camera session is requested while one is open.
var ErrCameraBusy = errors.New("the camera is already in use by another session")

// Manager tracks the sessions of one process. It allows at most one camera-backed
// session at a time, since the device can only be opened once.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	camera   string // id of the session holding the camera
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create registers a new idle session with a random id.
func (m *Manager) Create(mode types.Mode, proc *Processor) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	if mode.NeedsCamera() {
		if m.camera != "" {
			return nil, ErrCameraBusy
		}
		m.camera = id
	}
	s := NewSession(id, mode, proc)
	m.sessions[id] = s
	return s, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Release stops the session and forgets it, freeing the camera if it held it.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	if m.camera == id {
		m.camera = ""
	}
	m.mu.Unlock()

	if ok {
		s.Stop()
	}
}

// List returns the open sessions ordered by id.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll asks every open session to stop.
func (m *Manager) StopAll() {
	for _, s := range m.List() {
		s.Stop()
	}
}
