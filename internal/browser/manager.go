package browser

import (
	"sort"
	"sync"

	"browserctl/internal/config"
	"browserctl/internal/logging"
)

// Manager tracks one Controller per project.
type Manager struct {
	cfg  *config.Config
	orch Orchestrator
	opts []Option

	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewManager creates a manager whose controllers share cfg and orch.
func NewManager(cfg *config.Config, orch Orchestrator, opts ...Option) *Manager {
	return &Manager{
		cfg:         cfg,
		orch:        orch,
		opts:        opts,
		controllers: make(map[string]*Controller),
	}
}

// Open returns the controller for projectID, creating and starting it on first
// use.
func (m *Manager) Open(projectID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[projectID]; ok {
		return c
	}
	c := NewController(projectID, m.cfg, m.orch, m.opts...)
	c.Open()
	m.controllers[projectID] = c
	logging.LifecycleDebug("opened controller for project %s", projectID)
	return c
}

// Get returns the controller for projectID if it is open.
func (m *Manager) Get(projectID string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controllers[projectID]
	return c, ok
}

// Release closes and forgets the controller for projectID.
func (m *Manager) Release(projectID string) {
	m.mu.Lock()
	c, ok := m.controllers[projectID]
	delete(m.controllers, projectID)
	m.mu.Unlock()

	if ok {
		c.Close()
	}
}

// List returns a snapshot of every open controller, ordered by project.
func (m *Manager) List() []State {
	m.mu.RLock()
	results := make([]State, 0, len(m.controllers))
	for _, c := range m.controllers {
		results = append(results, c.State())
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ProjectID < results[j].ProjectID })
	return results
}

// Shutdown closes every controller. Remote containers are left running.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	controllers := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range controllers {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
