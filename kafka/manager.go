package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"omroncip/config"
	"omroncip/logging"
)

// TagMessage is the JSON structure published for tag changes.
type TagMessage struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address,omitempty"` // set when Tag is an alias
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure published for PLC health status.
type HealthMessage struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    interface{}
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages multiple Kafka clusters.
type Manager struct {
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	mu         sync.RWMutex
	lastValues map[string]interface{} // last published value per cluster/plc/tag
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("Kafka", format, args...)
}

// startWorkers starts the publish worker goroutines.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(m.publishQueue, m.stopChan)
	}
}

// publishWorker processes publish jobs from the queue.
func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.Produce(ctx, job.topic, job.key, job.payload); err == nil {
				if job.value != nil {
					m.lastMu.Lock()
					m.lastValues[job.cacheKey] = job.value
					m.lastMu.Unlock()
				}
			} else {
				logKafka("Failed to publish %s: %v", job.cacheKey, err)
			}
			cancel()
		}
	}
}

// LoadFromConfig adds a cluster for each configuration.
func (m *Manager) LoadFromConfig(configs []config.KafkaConfig, namespace string) {
	for i := range configs {
		m.AddCluster(&configs[i], namespace)
	}
}

// AddCluster adds a new Kafka cluster. Adding an existing name is a no-op.
func (m *Manager) AddCluster(cfg *config.KafkaConfig, namespace string) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, exists := m.producers[cfg.Name]; exists {
		return p
	}

	p := NewProducer(cfg, namespace)
	m.producers[cfg.Name] = p
	if cfg.EnableWriteback {
		c := NewConsumer(p)
		c.SetWriteHandler(m.writeHandler)
		c.SetWriteValidator(m.writeValidator)
		m.consumers[cfg.Name] = c
	}
	return p
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer := m.producers[name]
	consumer := m.consumers[name]
	delete(m.producers, name)
	delete(m.consumers, name)
	m.mu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	if producer != nil {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// GetConsumer returns the write consumer for the named cluster, if write-back is enabled.
func (m *Manager) GetConsumer(name string) *Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consumers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect connects to the named cluster and starts its write consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	producer, exists := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}

	m.startWorkers()
	if err := producer.Connect(); err != nil {
		return err
	}
	if consumer != nil {
		if err := consumer.Start(); err != nil {
			logKafka("Failed to start consumer for %s: %v", name, err)
		}
	}
	return nil
}

// Disconnect disconnects from the named cluster.
func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	producer := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if consumer != nil {
		consumer.Stop()
	}
	if producer != nil {
		producer.Disconnect()
	}
}

// ConnectEnabled connects to all enabled clusters in the background.
func (m *Manager) ConnectEnabled() {
	for _, name := range m.ListClusters() {
		p := m.GetProducer(name)
		if p == nil || !p.config.Enabled {
			continue
		}
		go func(name string) {
			if err := m.Connect(name); err != nil {
				logKafka("Failed to connect %s: %v", name, err)
			}
		}(name)
	}
}

// StopAll disconnects from all clusters and stops workers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStop := m.stopChan
	if wasStarted {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if wasStarted {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, name := range m.ListClusters() {
		m.Disconnect(name)
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("kafka cluster not found: %s", name)
	}
	return p.GetStatus(), p.GetError()
}

// SetWriteHandler sets the write handler for all write consumers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHandler = handler
	for _, c := range m.consumers {
		c.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all write consumers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeValidator = validator
	for _, c := range m.consumers {
		c.SetWriteValidator(validator)
	}
}

func (m *Manager) connected() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		if p.GetStatus() == StatusConnected {
			producers = append(producers, p)
		}
	}
	return producers
}

func (m *Manager) enqueue(job publishJob) {
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logKafka("Publish queue full, dropping message for %s", job.cacheKey)
	}
}

// shouldPublish reports whether value differs from the last value published under cacheKey.
func (m *Manager) shouldPublish(cacheKey string, value interface{}, force bool) bool {
	if force {
		return true
	}
	m.lastMu.RLock()
	lastValue, exists := m.lastValues[cacheKey]
	m.lastMu.RUnlock()
	return !exists || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)
}

// Publish sends a tag value to every connected cluster. Unchanged values are
// skipped unless force is set. tagName is the display name; address is the
// configured tag address when it differs.
func (m *Manager) Publish(plcName, tagName, address, typeName string, value interface{}, writable, force bool) {
	m.startWorkers()

	if address == tagName {
		address = ""
	}

	for _, p := range m.connected() {
		cacheKey := fmt.Sprintf("%s/%s/%s", p.config.Name, plcName, tagName)
		if !m.shouldPublish(cacheKey, value, force) {
			continue
		}

		payload, err := json.Marshal(TagMessage{
			PLC:       plcName,
			Tag:       tagName,
			Address:   address,
			Value:     value,
			Type:      typeName,
			Writable:  writable,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			continue
		}

		m.enqueue(publishJob{
			producer: p,
			topic:    p.topics.Tags,
			key:      []byte(plcName + "." + tagName),
			payload:  payload,
			cacheKey: cacheKey,
			value:    value,
		})
	}
}

// PublishHealth publishes PLC health status to every connected cluster.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	m.startWorkers()

	payload, err := json.Marshal(HealthMessage{
		PLC:       plcName,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}

	for _, p := range m.connected() {
		m.enqueue(publishJob{
			producer: p,
			topic:    p.topics.Health,
			key:      []byte(plcName),
			payload:  payload,
			cacheKey: fmt.Sprintf("%s/%s/health", p.config.Name, plcName),
		})
	}
}

// AnyPublishing returns true if any cluster is connected.
func (m *Manager) AnyPublishing() bool {
	return len(m.connected()) > 0
}

// ClearLastValues clears the change tracking cache, forcing republish of all values.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}
