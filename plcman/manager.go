// Package plcman provides PLC connection management with background polling.
package plcman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"omroncip/cip"
	"omroncip/config"
	"omroncip/eip"
	"omroncip/logging"
	"omroncip/omron"
)

// Errors returned by Manager operations.
var (
	ErrUnknownPLC  = errors.New("PLC not found")
	ErrUnknownTag  = errors.New("tag not configured")
	ErrOffline     = errors.New("PLC not connected")
	ErrUnknownType = errors.New("tag data type unknown")
)

// ConnectionStatus represents the state of a PLC connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Client is the subset of *omron.Client the manager drives.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	ConnectionMode() string
	Read(ctx context.Context, tag string) omron.Result
	ReadArray(ctx context.Context, tag string, count int) omron.Result
	ReadMany(ctx context.Context, tags ...string) ([]omron.Result, error)
	Write(ctx context.Context, tag string, typ cip.DataType, value any) omron.Result
	Identity(ctx context.Context) (*eip.Identity, error)
	Keepalive(ctx context.Context) error
}

// Dialer builds an unconnected client for a PLC.
type Dialer func(cfg *config.PLCConfig) Client

// ManagedPLC represents a PLC under management.
type ManagedPLC struct {
	Config      *config.PLCConfig
	Client      Client
	Identity    *eip.Identity
	Values      map[string]*TagValue // keyed by tag address
	Status      ConnectionStatus
	LastError   error
	LastPoll    time.Time
	lastAttempt time.Time
	attempt     uint64 // bumped by each connect and by Disconnect
	mu          sync.RWMutex
}

// GetStatus returns the current connection status thread-safely.
func (m *ManagedPLC) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status
}

// GetError returns the last error thread-safely.
func (m *ManagedPLC) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastError
}

// GetValues returns a copy of the current tag values.
func (m *ManagedPLC) GetValues() map[string]*TagValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*TagValue, len(m.Values))
	for k, v := range m.Values {
		result[k] = v
	}
	return result
}

// GetValue returns the cached value for a tag address or alias, or nil.
func (m *ManagedPLC) GetValue(tagName string) *TagValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sel := m.Config.FindTag(tagName); sel != nil {
		tagName = sel.Name
	}
	return m.Values[tagName]
}

// GetIdentity returns the device identity info.
func (m *ManagedPLC) GetIdentity() *eip.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Identity
}

// GetConnectionMode returns a human-readable string describing the connection mode.
func (m *ManagedPLC) GetConnectionMode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Client == nil {
		return "Not connected"
	}
	return m.Client.ConnectionMode()
}

// ValueChange represents a tag value that has changed.
type ValueChange struct {
	PLCName  string
	TagName  string // display name (alias or address)
	Address  string
	TypeName string
	Value    interface{}
	Writable bool
	Time     time.Time

	NoREST   bool
	NoMQTT   bool
	NoKafka  bool
	NoValkey bool
}

func newValueChange(plcName string, sel config.TagSelection, v *TagValue) ValueChange {
	return ValueChange{
		PLCName:  plcName,
		TagName:  sel.DisplayName(),
		Address:  sel.Name,
		TypeName: v.TypeName(),
		Value:    v.GoValue(),
		Writable: sel.Writable,
		Time:     v.Updated,
		NoREST:   sel.NoREST,
		NoMQTT:   sel.NoMQTT,
		NoKafka:  sel.NoKafka,
		NoValkey: sel.NoValkey,
	}
}

// PollStats tracks polling statistics for debugging.
type PollStats struct {
	LastPollTime time.Time
	TagsPolled   int
	ChangesFound int
	LastError    error
}

// PLCWorker manages polling for a single PLC in its own goroutine.
type PLCWorker struct {
	plc      *ManagedPLC
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration

	// Per-worker stats
	tagsPolled   int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

func newPLCWorker(plc *ManagedPLC, manager *Manager, pollRate time.Duration) *PLCWorker {
	if plc.Config.PollRate > 0 {
		pollRate = plc.Config.PollRate
	}
	ctx, cancel := context.WithCancel(manager.ctx)
	return &PLCWorker{
		plc:      plc,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

// Start begins the worker's poll loop.
func (w *PLCWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *PLCWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// GetStats returns the worker's current stats.
func (w *PLCWorker) GetStats() (tagsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.tagsPolled, w.changesFound, w.lastError
}

func (w *PLCWorker) setStats(polled, changes int, err error) {
	w.statsMu.Lock()
	w.tagsPolled = polled
	w.changesFound = changes
	w.lastError = err
	w.statsMu.Unlock()
}

func (w *PLCWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *PLCWorker) poll() {
	plc := w.plc

	w.checkAutoReconnect()

	plc.mu.RLock()
	client := plc.Client
	status := plc.Status
	plcName := plc.Config.Name
	tags := plc.Config.EnabledTags()
	plc.mu.RUnlock()

	if status != StatusConnected || client == nil {
		w.setStats(0, 0, nil)
		return
	}

	if len(tags) == 0 {
		// Nothing to poll; keep the session registered.
		if err := client.Keepalive(w.ctx); err != nil {
			w.fail(client, err)
		}
		w.setStats(0, 0, nil)
		return
	}

	results, err := readSelections(w.ctx, client, tags)
	if err != nil {
		w.fail(client, err)
		w.setStats(len(tags), 0, err)
		return
	}

	var changes []ValueChange
	plc.mu.Lock()
	for i, sel := range tags {
		prev := plc.Values[sel.Name]
		v := fromResult(sel, results[i], prev)
		if v.Error == nil && (prev == nil || prev.Error != nil || valueChanged(prev.Value, v.Value)) {
			changes = append(changes, newValueChange(plcName, sel, v))
		}
		if v.Error != nil && (prev == nil || prev.Error == nil) {
			logging.DebugLog("plcman", "%s: read %s failed: %v", plcName, sel.Name, v.Error)
		}
		plc.Values[sel.Name] = v
	}
	plc.LastPoll = time.Now()
	plc.mu.Unlock()

	w.setStats(len(tags), len(changes), nil)

	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

// readSelections reads scalar tags as one batch and array tags one at a time. The
// result slice parallels tags. The error is non-nil only for connection failures.
func readSelections(ctx context.Context, client Client, tags []config.TagSelection) ([]omron.Result, error) {
	results := make([]omron.Result, len(tags))

	var scalars []string
	var scalarIdx []int
	for i, sel := range tags {
		if sel.ElementCount() == 1 {
			scalars = append(scalars, sel.Name)
			scalarIdx = append(scalarIdx, i)
		}
	}

	if len(scalars) > 0 {
		batch, err := client.ReadMany(ctx, scalars...)
		if err != nil {
			return nil, err
		}
		for j, r := range batch {
			results[scalarIdx[j]] = r
		}
	}

	for i, sel := range tags {
		if sel.ElementCount() == 1 {
			continue
		}
		results[i] = client.ReadArray(ctx, sel.Name, sel.ElementCount())
		if omron.IsConnectionError(results[i].Err) {
			return nil, results[i].Err
		}
	}
	return results, nil
}

// fail records a poll error and drops the client so a later tick reconnects.
func (w *PLCWorker) fail(client Client, err error) {
	plc := w.plc
	if w.ctx.Err() != nil {
		return // stopping
	}

	plc.mu.Lock()
	plc.LastError = err
	plc.Status = StatusError
	if plc.Client == client {
		plc.Client = nil
	} else {
		client = nil // already replaced
	}
	plc.mu.Unlock()

	if client != nil {
		client.Close()
		logging.DebugDisconnect("plcman", plc.Config.Address, err.Error())
	}
	w.manager.markStatusDirty()
}

func (w *PLCWorker) checkAutoReconnect() {
	plc := w.plc

	plc.mu.RLock()
	status := plc.Status
	enabled := plc.Config.Enabled
	client := plc.Client
	last := plc.lastAttempt
	plc.mu.RUnlock()

	if !enabled {
		return
	}
	if status == StatusConnecting || (status == StatusConnected && client != nil) {
		return
	}
	if time.Since(last) < w.manager.reconnectDelay {
		return
	}

	w.manager.connectPLC(w.ctx, plc)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the client factory. Tests use it to inject fakes.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

// WithReconnectDelay sets the minimum time between automatic reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.reconnectDelay = d
	}
}

// FlowRecorder hands out a frame recorder per PLC connection.
type FlowRecorder interface {
	Flow(address string) omron.Recorder
}

// WithRecorder copies every frame of every PLC connection to r.
func WithRecorder(r FlowRecorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithLogger reports connection failures to a service log.
func WithLogger(l *logging.FileLogger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// Manager manages multiple PLC connections and polling.
type Manager struct {
	plcs    map[string]*ManagedPLC
	workers map[string]*PLCWorker
	mu      sync.RWMutex

	pollRate       time.Duration
	batchInterval  time.Duration
	reconnectDelay time.Duration

	dial     Dialer
	recorder FlowRecorder
	logger   *logging.FileLogger

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	// Callbacks
	onChange      func()
	onValueChange func(changes []ValueChange)

	changeChan  chan []ValueChange // Aggregates value changes from workers
	statusDirty int32              // Atomic flag: 1 if status listeners need a refresh

	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// NewManager creates a new PLC manager.
func NewManager(pollRate time.Duration, opts ...Option) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	m := &Manager{
		plcs:           make(map[string]*ManagedPLC),
		workers:        make(map[string]*PLCWorker),
		pollRate:       pollRate,
		batchInterval:  100 * time.Millisecond,
		reconnectDelay: 5 * time.Second,
		changeChan:     make(chan []ValueChange, 100),
		ctx:            context.Background(),
	}
	m.dial = m.dialOmron
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) dialOmron(cfg *config.PLCConfig) Client {
	opts := []omron.Option{omron.WithSlot(cfg.Slot)}
	if cfg.Port != 0 {
		opts = append(opts, omron.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, omron.WithTimeout(cfg.Timeout))
	}
	if m.recorder != nil {
		opts = append(opts, omron.WithRecorder(m.recorder.Flow(cfg.Address)))
	}
	if m.logger != nil {
		opts = append(opts, omron.WithLogger(m.logger.WithPrefix(cfg.Name)))
	}
	return omron.NewClient(cfg.Address, opts...)
}

// SetOnChange sets a callback that fires when PLC status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that fires when tag values change.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges queues changes for the aggregator, dropping the oldest batch when full.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddPLC adds a PLC to management.
func (m *Manager) AddPLC(cfg *config.PLCConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plcs[cfg.Name]; exists {
		return fmt.Errorf("PLC %q already managed", cfg.Name)
	}

	plc := &ManagedPLC{
		Config: cfg,
		Status: StatusDisconnected,
		Values: make(map[string]*TagValue),
	}
	m.plcs[cfg.Name] = plc

	if m.running {
		worker := newPLCWorker(plc, m, m.pollRate)
		m.workers[cfg.Name] = worker
		worker.Start()
	}
	return nil
}

// RemovePLC removes a PLC from management and disconnects it.
func (m *Manager) RemovePLC(name string) error {
	m.mu.Lock()
	plc, exists := m.plcs[name]
	worker := m.workers[name]
	if exists {
		delete(m.plcs, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPLC, name)
	}
	if worker != nil {
		worker.Stop()
	}

	plc.mu.Lock()
	client := plc.Client
	plc.Client = nil
	plc.mu.Unlock()
	if client != nil {
		client.Close()
	}

	m.markStatusDirty()
	return nil
}

// context returns the running context, or Background when stopped.
func (m *Manager) context() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx
}

// connectPLC establishes a connection to a PLC.
func (m *Manager) connectPLC(ctx context.Context, plc *ManagedPLC) error {
	plc.mu.Lock()
	if plc.Status == StatusConnecting {
		plc.mu.Unlock()
		return nil
	}
	old := plc.Client
	plc.Client = nil
	plc.Status = StatusConnecting
	plc.LastError = nil
	plc.lastAttempt = time.Now()
	plc.attempt++
	attempt := plc.attempt
	cfg := *plc.Config
	plc.mu.Unlock()
	m.markStatusDirty()

	if old != nil {
		old.Close()
	}

	logging.DebugConnect("plcman", cfg.Address)
	client := m.dial(&cfg)
	if err := client.Connect(ctx); err != nil {
		plc.mu.Lock()
		if plc.attempt == attempt {
			plc.Status = StatusError
			plc.LastError = err
		}
		plc.mu.Unlock()
		m.markStatusDirty()
		logging.DebugConnectError("plcman", cfg.Address, err)
		return err
	}

	// Identity is informational; a PLC that refuses ListIdentity still polls.
	identity, err := client.Identity(ctx)
	if err != nil {
		logging.DebugLog("plcman", "%s: identity: %v", cfg.Name, err)
	}

	plc.mu.Lock()
	if plc.attempt != attempt {
		// Disconnect or a newer connect ran while dialing.
		plc.mu.Unlock()
		client.Close()
		logging.DebugDisconnect("plcman", cfg.Address, "disconnected while connecting")
		return fmt.Errorf("%w: %s disconnected while connecting", ErrOffline, cfg.Name)
	}
	plc.Client = client
	plc.Identity = identity
	plc.Status = StatusConnected
	plc.mu.Unlock()
	m.markStatusDirty()
	logging.DebugConnectSuccess("plcman", cfg.Address, client.ConnectionMode())
	return nil
}

// Connect establishes a connection to the named PLC in the background.
func (m *Manager) Connect(name string) error {
	plc := m.GetPLC(name)
	if plc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPLC, name)
	}
	go m.connectPLC(m.context(), plc)
	return nil
}

// ConnectWait connects the named PLC and waits for the outcome.
func (m *Manager) ConnectWait(ctx context.Context, name string) error {
	plc := m.GetPLC(name)
	if plc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPLC, name)
	}
	return m.connectPLC(ctx, plc)
}

// Disconnect closes the connection to the named PLC.
func (m *Manager) Disconnect(name string) error {
	plc := m.GetPLC(name)
	if plc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPLC, name)
	}

	plc.mu.Lock()
	client := plc.Client
	plc.Client = nil
	plc.attempt++
	plc.Status = StatusDisconnected
	plc.LastError = nil
	plc.Identity = nil
	plc.mu.Unlock()

	if client != nil {
		client.Close()
		logging.DebugDisconnect("plcman", plc.Config.Address, "requested")
	}
	m.markStatusDirty()
	return nil
}

// GetPLC returns the managed PLC with the given name.
func (m *Manager) GetPLC(name string) *ManagedPLC {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plcs[name]
}

// ListPLCs returns all managed PLCs sorted by name.
func (m *Manager) ListPLCs() []*ManagedPLC {
	m.mu.RLock()
	result := make([]*ManagedPLC, 0, len(m.plcs))
	for _, plc := range m.plcs {
		result = append(result, plc)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Config.Name < result[j].Config.Name })
	return result
}

// PLCNames returns the names of all managed PLCs, sorted.
func (m *Manager) PLCNames() []string {
	plcs := m.ListPLCs()
	names := make([]string, len(plcs))
	for i, plc := range plcs {
		names[i] = plc.Config.Name
	}
	return names
}

// Start begins background polling for all PLCs.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for name, plc := range m.plcs {
		worker := newPLCWorker(plc, m, m.pollRate)
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	m.wg.Add(2)
	go m.batchedUpdateLoop(m.ctx)
	go m.statsAggregatorLoop(m.ctx)
}

// Stop halts all background polling.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()

	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*PLCWorker)
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.ctx = context.Background()
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and delivers them at a controlled rate.
func (m *Manager) batchedUpdateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-ctx.Done():
			// Deliver anything already queued.
			for drained := false; !drained; {
				select {
				case changes := <-m.changeChan:
					pendingChanges = append(pendingChanges, changes...)
				default:
					drained = true
				}
			}
			m.flushValueChanges(pendingChanges)
			return

		case changes := <-m.changeChan:
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

func (m *Manager) statsAggregatorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	var stats PollStats
	for _, w := range workers {
		tags, changes, err := w.GetStats()
		stats.TagsPolled += tags
		stats.ChangesFound += changes
		if err != nil {
			stats.LastError = err
		}
	}
	stats.LastPollTime = time.Now()

	m.statsMu.Lock()
	m.lastPollStats = stats
	m.statsMu.Unlock()
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

// connectedClient returns the PLC and its client, or an error if either is missing.
func (m *Manager) connectedClient(plcName string) (*ManagedPLC, Client, error) {
	plc := m.GetPLC(plcName)
	if plc == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPLC, plcName)
	}

	plc.mu.RLock()
	client := plc.Client
	status := plc.Status
	plc.mu.RUnlock()

	if client == nil || status != StatusConnected {
		return plc, nil, fmt.Errorf("%w: %s", ErrOffline, plcName)
	}
	return plc, client, nil
}

// ReadTag reads a tag directly from the PLC, bypassing the poll cache. Configured
// array tags are read with their element count.
func (m *Manager) ReadTag(ctx context.Context, plcName, tagName string) (*TagValue, error) {
	plc, client, err := m.connectedClient(plcName)
	if err != nil {
		return nil, err
	}

	plc.mu.RLock()
	sel := config.TagSelection{Name: tagName}
	if found := plc.Config.FindTag(tagName); found != nil {
		sel = *found
	}
	plc.mu.RUnlock()

	var r omron.Result
	if sel.ElementCount() > 1 {
		r = client.ReadArray(ctx, sel.Name, sel.ElementCount())
	} else {
		r = client.Read(ctx, sel.Name)
	}
	v := fromResult(sel, r, nil)
	return v, v.Error
}

// Tag returns the configured selection for a tag address or alias.
func (m *Manager) Tag(plcName, tagName string) (config.TagSelection, error) {
	plc := m.GetPLC(plcName)
	if plc == nil {
		return config.TagSelection{}, fmt.Errorf("%w: %s", ErrUnknownPLC, plcName)
	}
	plc.mu.RLock()
	defer plc.mu.RUnlock()
	sel := plc.Config.FindTag(tagName)
	if sel == nil {
		return config.TagSelection{}, fmt.Errorf("%w: %s", ErrUnknownTag, tagName)
	}
	return *sel, nil
}

// IsWritable reports whether the tag is configured and marked writable.
func (m *Manager) IsWritable(plcName, tagName string) bool {
	sel, err := m.Tag(plcName, tagName)
	return err == nil && sel.Writable
}

// WriteTag writes a value to a tag on a connected PLC. The CIP type comes from the
// tag's configured data type, else from the last polled value, else from a fresh
// read. String values are parsed for numeric and BOOL tags.
func (m *Manager) WriteTag(ctx context.Context, plcName, tagName string, value interface{}) error {
	plc, client, err := m.connectedClient(plcName)
	if err != nil {
		return err
	}

	address := tagName
	plc.mu.RLock()
	if sel := plc.Config.FindTag(tagName); sel != nil {
		address = sel.Name
	}
	plc.mu.RUnlock()

	typ := m.GetTagType(ctx, plcName, address)
	if typ == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownType, tagName)
	}

	if s, ok := value.(string); ok && typ != cip.TypeString {
		parsed, err := cip.ParseValue(typ, s)
		if err != nil {
			return err
		}
		value = parsed
	}

	logging.DebugLog("plcman", "%s: write %s (%s) = %v", plcName, address, typ, value)
	return client.Write(ctx, address, typ, value).Err
}

// GetTagType returns the data type for a tag: the configured type if any, else the
// cached type, else the type of a fresh read. Returns 0 if it cannot be determined.
func (m *Manager) GetTagType(ctx context.Context, plcName, tagName string) cip.DataType {
	plc := m.GetPLC(plcName)
	if plc == nil {
		return 0
	}

	plc.mu.RLock()
	address := tagName
	if sel := plc.Config.FindTag(tagName); sel != nil {
		address = sel.Name
		if typ, ok := cip.TypeFromName(sel.DataType); ok {
			plc.mu.RUnlock()
			return typ
		}
	}
	if val, ok := plc.Values[address]; ok && val != nil && val.DataType != 0 {
		plc.mu.RUnlock()
		return val.DataType
	}
	client := plc.Client
	status := plc.Status
	plc.mu.RUnlock()

	if client == nil || status != StatusConnected {
		return 0
	}

	r := client.Read(ctx, address)
	if !r.Success || r.Content == nil {
		return 0
	}
	return r.Content.Type()
}

// LoadFromConfig adds all PLCs from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.PLCs {
		if err := m.AddPLC(&cfg.PLCs[i]); err != nil {
			logging.DebugLog("plcman", "%v", err)
		}
	}
}

// ConnectEnabled connects all PLCs marked as enabled in the background.
func (m *Manager) ConnectEnabled() {
	for _, plc := range m.ListPLCs() {
		if plc.Config.Enabled {
			go m.connectPLC(m.context(), plc)
		}
	}
}

// DisconnectAll disconnects all PLCs.
func (m *Manager) DisconnectAll() {
	for _, name := range m.PLCNames() {
		m.Disconnect(name)
	}
}

// GetAllCurrentValues returns all cached tag values for all PLCs, sorted by PLC
// and tag. Publishers send these when a broker (re)connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var results []ValueChange
	for _, plc := range m.ListPLCs() {
		plc.mu.RLock()
		for _, sel := range plc.Config.Tags {
			val, ok := plc.Values[sel.Name]
			if ok && val != nil && val.Error == nil {
				results = append(results, newValueChange(plc.Config.Name, sel, val))
			}
		}
		plc.mu.RUnlock()
	}
	return results
}

// FindPLCName resolves a PLC name case-insensitively.
func (m *Manager) FindPLCName(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.plcs[name]; ok {
		return name, true
	}
	for n := range m.plcs {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return "", false
}
