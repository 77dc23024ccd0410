// Package mqtt publishes polled tag values to MQTT brokers and accepts tag writes
// from a per-PLC write topic.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"omroncip/config"
	"omroncip/logging"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// writeJob is a pending write request, or an error reply when err is set.
type writeJob struct {
	client  pahomqtt.Client
	plcName string
	tagName string
	value   interface{}
	err     error
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// Publisher handles MQTT connection and publishes tag values to a single broker.
type Publisher struct {
	config    *config.MQTTConfig
	rootTopic string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator
	plcNames       []string // PLCs to subscribe for writes

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// TagMessage is the JSON structure published for each tag.
type TagMessage struct {
	Topic     string      `json:"topic"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	Topic string      `json:"topic"`
	PLC   string      `json:"plc"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Topic     string      `json:"topic"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a tag write. The value is as decoded from JSON.
type WriteHandler func(plcName, tagName string, value interface{}) error

// WriteValidator reports whether a tag exists and is write-enabled.
type WriteValidator func(plcName, tagName string) bool

// RootTopic returns the topic prefix for a namespace and optional selector.
func RootTopic(namespace, selector string) string {
	if selector == "" {
		return namespace
	}
	return namespace + "/" + selector
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		rootTopic:  RootTopic(namespace, cfg.Selector),
		newClient:  pahomqtt.NewClient,
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Publisher) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Subscriptions do not survive a reconnect with a clean session.
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		if p.IsRunning() {
			p.subscribeWriteTopics()
		}
	})
	return opts
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	client := p.newClient(p.clientOptions())
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connect %s: timeout", p.Address())
	}
	if err := token.Error(); err != nil {
		logMQTT("MQTT connection error: %v", err)
		return fmt.Errorf("connect %s: %w", p.Address(), err)
	}
	logMQTT("Connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Force a republish of every value
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
	p.subscribeWriteTopics()
	return nil
}

// writeWorker processes write jobs from the queue.
func (p *Publisher) writeWorker() {
	defer p.wg.Done()

	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.RUnlock()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				p.mu.RLock()
				handler := p.writeHandler
				p.mu.RUnlock()

				if handler == nil {
					err = errors.New("no write handler configured")
				} else {
					logMQTT("Executing write: %s/%s = %v", job.plcName, job.tagName, job.value)
					err = handler(job.plcName, job.tagName, job.value)
				}
				if err != nil {
					logMQTT("Write error: %v", err)
				}
			}
			p.publishWriteResponse(job.client, job.plcName, job.tagName, job.value, err)
		}
	}
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

// RootTopic returns the publisher's topic prefix.
func (p *Publisher) RootTopic() string {
	return p.rootTopic
}

// BuildTopic constructs the full topic path for a tag.
func (p *Publisher) BuildTopic(plcName, tagName string) string {
	return fmt.Sprintf("%s/%s/tags/%s", p.rootTopic, plcName, tagName)
}

// WriteTopic is where write requests for a PLC are accepted.
func (p *Publisher) WriteTopic(plcName string) string {
	return fmt.Sprintf("%s/%s/write", p.rootTopic, plcName)
}

// Publish sends a tag value as a retained message if it has changed since the last
// publish, or unconditionally with force.
func (p *Publisher) Publish(plcName, tagName, typeName string, value interface{}, writable, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := plcName + "/" + tagName

	p.lastMu.RLock()
	lastValue, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()

	if exists && !force && fmt.Sprintf("%v", lastValue) == fmt.Sprintf("%v", value) {
		return false
	}

	payload, err := json.Marshal(TagMessage{
		Topic:     p.rootTopic,
		PLC:       plcName,
		Tag:       tagName,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logMQTT("marshal %s: %v", cacheKey, err)
		return false
	}

	token := client.Publish(p.BuildTopic(plcName, tagName), 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = value
	p.lastMu.Unlock()
	return true
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for handling write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetPLCNames sets the PLC names to subscribe for write requests.
func (p *Publisher) SetPLCNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plcNames = names
}

// subscribeWriteTopics subscribes to the write topic of every configured PLC.
func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	plcNames := p.plcNames
	p.mu.RUnlock()

	if client == nil || len(plcNames) == 0 {
		return
	}

	for _, plcName := range plcNames {
		topic := p.WriteTopic(plcName)
		token := client.Subscribe(topic, 1, p.handleWriteMessage)
		if !token.WaitTimeout(2 * time.Second) {
			logMQTT("Subscribe timeout for %s", topic)
			continue
		}
		if err := token.Error(); err != nil {
			logMQTT("Subscribe error for %s: %v", topic, err)
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

// decodeWriteRequest parses and checks a write request payload.
func (p *Publisher) decodeWriteRequest(payload []byte) (WriteRequest, error) {
	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("invalid JSON: %v", err)
	}
	if req.Topic != p.rootTopic {
		return req, fmt.Errorf("topic mismatch: expected %s, got %s", p.rootTopic, req.Topic)
	}
	if req.PLC == "" || req.Tag == "" {
		return req, errors.New("plc and tag are required")
	}
	if req.Value == nil {
		return req, errors.New("value is required")
	}

	p.mu.RLock()
	validator := p.writeValidator
	p.mu.RUnlock()
	if validator != nil && !validator(req.PLC, req.Tag) {
		return req, fmt.Errorf("tag not writable: %s/%s", req.PLC, req.Tag)
	}
	return req, nil
}

// handleWriteMessage validates an incoming write request and queues it.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received write request on %s: %s", msg.Topic(), msg.Payload())

	req, err := p.decodeWriteRequest(msg.Payload())
	job := writeJob{client: client, plcName: req.PLC, tagName: req.Tag, value: req.Value, err: err}

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s/%s", req.PLC, req.Tag)
		go p.publishWriteResponse(client, req.PLC, req.Tag, req.Value, errors.New("write queue full, try again later"))
	}
}

// publishWriteResponse reports the outcome of a write request.
func (p *Publisher) publishWriteResponse(client pahomqtt.Client, plcName, tagName string, value interface{}, err error) {
	resp := WriteResponse{
		Topic:     p.rootTopic,
		PLC:       plcName,
		Tag:       tagName,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)

	topic := p.rootTopic + "/write/response"
	if plcName != "" {
		topic = p.WriteTopic(plcName) + "/response"
	}
	client.Publish(topic, 1, false, payload).WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers     map[string]*Publisher
	mu             sync.RWMutex
	writeHandler   WriteHandler
	writeValidator WriteValidator
	plcNames       []string
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager and applies the current write settings.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	validator := m.writeValidator
	plcNames := m.plcNames
	m.mu.Unlock()

	pub.SetWriteHandler(handler)
	pub.SetWriteValidator(validator)
	pub.SetPLCNames(plcNames)
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled || pub.IsRunning() {
			continue
		}
		if err := pub.Start(); err != nil {
			logMQTT("Failed to start %s: %v", pub.Name(), err)
			continue
		}
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Publish publishes a value to all running publishers.
func (m *Manager) Publish(plcName, tagName, typeName string, value interface{}, writable, force bool) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Publish(plcName, tagName, typeName, value, writable, force)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteValidator(validator)
	}
}

// SetPLCNames sets the PLC names for write subscriptions and resubscribes running
// publishers.
func (m *Manager) SetPLCNames(names []string) {
	m.mu.Lock()
	m.plcNames = names
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetPLCNames(names)
		if pub.IsRunning() {
			pub.subscribeWriteTopics()
		}
	}
}
