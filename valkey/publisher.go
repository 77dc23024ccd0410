// Package valkey stores PLC tag values in Valkey/Redis keys, announces changes over
// Pub/Sub and takes tag writes from a list used as a queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"omroncip/config"
	"omroncip/logging"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// store is the subset of *redis.Client the publisher uses.
type store interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// TagMessage is the JSON value stored under a tag key.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address,omitempty"` // set when Tag is an alias
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is a write request popped from the write queue.
type WriteRequest struct {
	PLC   string      `json:"plc"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is published after each write request.
type WriteResponse struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON value stored under a PLC health key.
type HealthMessage struct {
	PLC       string    `json:"plc"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher handles publishing tag values to a Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	prefix  string
	client  store
	running bool
	mu      sync.RWMutex

	dial func(*redis.Options) store

	writeHandler      func(plcName, tagName string, value interface{}) error
	writeValidator    func(plcName, tagName string) bool
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher. Keys are prefixed with the namespace
// and the optional selector.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:   cfg,
		prefix:   joinKey(namespace, cfg.Selector),
		dial:     func(o *redis.Options) store { return redis.NewClient(o) },
		stopChan: make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// TagKey returns the key a tag's value is stored under.
func (p *Publisher) TagKey(plcName, tagName string) string {
	return joinKey(p.prefix, plcName, "tags", tagName)
}

// HealthKey returns the key a PLC's health is stored under.
func (p *Publisher) HealthKey(plcName string) string {
	return joinKey(p.prefix, plcName, "health")
}

// WriteQueue returns the list key write requests are pushed to.
func (p *Publisher) WriteQueue() string {
	return joinKey(p.prefix, "writes")
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := p.dial(opts)
	debugLog("Connecting to Valkey at %s (DB: %d, TLS: %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}

	// Publish current values so readers do not wait for the next change.
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener wakes at least once a second from BLPOP.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	return client.Close()
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) current() store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// set stores data under key, honouring the configured TTL.
func (p *Publisher) set(ctx context.Context, client store, key string, data []byte) error {
	return client.Set(ctx, key, data, p.config.KeyTTL).Err()
}

// Publish stores a tag value and, if enabled, announces it on the PLC and
// all-PLC change channels. tagName is the display name; address is the
// configured tag address when it differs.
func (p *Publisher) Publish(plcName, tagName, address, typeName string, value interface{}, writable bool) error {
	client := p.current()
	if client == nil {
		return nil
	}

	if address == tagName {
		address = ""
	}
	data, err := json.Marshal(TagMessage{
		Namespace: p.prefix,
		PLC:       plcName,
		Tag:       tagName,
		Address:   address,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.set(ctx, client, p.TagKey(plcName, tagName), data); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if p.config.PublishChanges {
		client.Publish(ctx, joinKey(p.prefix, plcName, "changes"), data)
		client.Publish(ctx, joinKey(p.prefix, "_all", "changes"), data)
	}
	return nil
}

// PublishHealth stores a PLC's connection status.
func (p *Publisher) PublishHealth(plcName string, online bool, status, errMsg string) error {
	client := p.current()
	if client == nil {
		return nil
	}

	data, err := json.Marshal(HealthMessage{
		PLC:       plcName,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.set(ctx, client, p.HealthKey(plcName), data); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if p.config.PublishChanges {
		client.Publish(ctx, joinKey(p.prefix, plcName, "health"), data)
	}
	return nil
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler func(plcName, tagName string, value interface{}) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator func(plcName, tagName string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests off the write queue until stop closes.
func (p *Publisher) writebackListener(client store, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := p.WriteQueue()
	responseChannel := joinKey(p.prefix, "write", "responses")

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.processWriteRequest([]byte(result[1]))
		data, _ := json.Marshal(resp)
		pubCtx, pubCancel := context.WithTimeout(context.Background(), 2*time.Second)
		client.Publish(pubCtx, responseChannel, data)
		pubCancel()
	}
}

// processWriteRequest decodes and executes a single write request.
func (p *Publisher) processWriteRequest(payload []byte) WriteResponse {
	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return WriteResponse{Error: fmt.Sprintf("invalid JSON: %v", err), Timestamp: time.Now().UTC()}
	}

	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()

	resp := WriteResponse{PLC: req.PLC, Tag: req.Tag, Value: req.Value}
	switch {
	case req.PLC == "" || req.Tag == "":
		resp.Error = "plc and tag are required"
	case req.Value == nil:
		resp.Error = "value is required"
	case validator != nil && !validator(req.PLC, req.Tag):
		resp.Error = "tag is not writable"
	case handler == nil:
		resp.Error = "no write handler configured"
	default:
		if err := handler(req.PLC, req.Tag, req.Value); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}
	resp.Timestamp = time.Now().UTC()

	debugLog("write %s:%s = %v -> success=%v", req.PLC, req.Tag, req.Value, resp.Success)
	return resp
}
