package valkey

import (
	"sync"

	"omroncip/config"
	"omroncip/plcman"
)

// handlers are the callbacks every publisher shares. A publisher loaded after a
// setter ran still receives the current set.
type handlers struct {
	write     func(plcName, tagName string, value interface{}) error
	validate  func(plcName, tagName string) bool
	onConnect func()
}

func (h handlers) apply(pub *Publisher) {
	pub.SetWriteHandler(h.write)
	pub.SetWriteValidator(h.validate)
	pub.SetOnConnectCallback(h.onConnect)
}

// Manager fans tag values and PLC health out to every configured Valkey server.
type Manager struct {
	mu         sync.RWMutex
	publishers []*Publisher
	byName     map[string]*Publisher
	handlers   handlers
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{byName: make(map[string]*Publisher)}
}

// LoadFromConfig creates a publisher per server entry. Entries whose name is
// already loaded are skipped.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range configs {
		if _, dup := m.byName[configs[i].Name]; dup {
			debugLog("Skipping duplicate Valkey server %q", configs[i].Name)
			continue
		}
		pub := NewPublisher(&configs[i], namespace)
		m.handlers.apply(pub)
		m.publishers = append(m.publishers, pub)
		m.byName[pub.Name()] = pub
	}
}

// Get returns the named publisher, or nil.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name]
}

// List returns the publishers in configuration order.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Publisher(nil), m.publishers...)
}

func (m *Manager) running() []*Publisher {
	var out []*Publisher
	for _, pub := range m.List() {
		if pub.IsRunning() {
			out = append(out, pub)
		}
	}
	return out
}

// StartAll connects every enabled publisher and returns how many came up.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.Config().Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			debugLog("Failed to start Valkey %s: %v", pub.Name(), err)
			continue
		}
		debugLog("Started Valkey %s at %s", pub.Name(), pub.Address())
		started++
	}
	return started
}

// StopAll disconnects every publisher.
func (m *Manager) StopAll() {
	var wg sync.WaitGroup
	for _, pub := range m.running() {
		wg.Add(1)
		go func(p *Publisher) {
			defer wg.Done()
			p.Stop()
		}(pub)
	}
	wg.Wait()
}

// AnyRunning reports whether at least one publisher is connected.
func (m *Manager) AnyRunning() bool {
	return len(m.running()) > 0
}

// Publish stores one tag value on every connected server.
func (m *Manager) Publish(plcName, tagName, address, typeName string, value interface{}, writable bool) {
	for _, pub := range m.running() {
		if err := pub.Publish(plcName, tagName, address, typeName, value, writable); err != nil {
			debugLog("Valkey publish error (%s): %v", pub.Name(), err)
		}
	}
}

// PublishChanges publishes a batch of poll changes, skipping tags excluded from Valkey.
// It returns the number of tags published per server.
func (m *Manager) PublishChanges(changes []plcman.ValueChange) int {
	pubs := m.running()
	if len(pubs) == 0 {
		return 0
	}
	n := 0
	for _, c := range changes {
		if c.NoValkey {
			continue
		}
		n++
		for _, pub := range pubs {
			if err := pub.Publish(c.PLCName, c.TagName, c.Address, c.TypeName, c.Value, c.Writable); err != nil {
				debugLog("Valkey publish error (%s): %v", pub.Name(), err)
			}
		}
	}
	return n
}

// PublishHealth stores a PLC health record on every connected server.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	for _, pub := range m.running() {
		if err := pub.PublishHealth(plcName, online, status, errMsg); err != nil {
			debugLog("Valkey health publish error (%s): %v", pub.Name(), err)
		}
	}
}

func (m *Manager) update(fn func(h *handlers)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.handlers)
	for _, pub := range m.publishers {
		m.handlers.apply(pub)
	}
}

// SetWriteHandler sets the function that performs write-back requests.
func (m *Manager) SetWriteHandler(handler func(plcName, tagName string, value interface{}) error) {
	m.update(func(h *handlers) { h.write = handler })
}

// SetWriteValidator sets the function that decides whether a tag accepts writes.
func (m *Manager) SetWriteValidator(validator func(plcName, tagName string) bool) {
	m.update(func(h *handlers) { h.validate = validator })
}

// SetOnConnectCallback sets the function called each time a publisher connects.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.update(func(h *handlers) { h.onConnect = callback })
}
