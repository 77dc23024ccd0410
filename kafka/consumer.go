package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"omroncip/logging"
)

// WriteBackBatchInterval is how often collected write requests are executed.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	PLC          string      `json:"plc"`
	Tag          string      `json:"tag"`
	Value        interface{} `json:"value"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`      // request was older than the max age
	Deduplicated bool        `json:"deduplicated,omitempty"` // replaced by a newer request for the same tag
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler is a callback for handling write requests.
type WriteHandler func(plcName, tagName string, value interface{}) error

// WriteValidator checks if a tag is writable.
type WriteValidator func(plcName, tagName string) bool

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// pendingWrite represents a write request waiting to be processed.
type pendingWrite struct {
	request     WriteRequest
	messageTime time.Time
	offset      int64
}

// Consumer handles consuming write requests from Kafka. Requests are collected
// for WriteBackBatchInterval; within a batch the latest request per tag wins.
type Consumer struct {
	producer  *Producer // for responses
	reader    messageReader
	newReader func() (messageReader, error)
	running   bool
	mu        sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer for the producer's cluster and write topic.
func NewConsumer(producer *Producer) *Consumer {
	c := &Consumer{
		producer: producer,
		stopChan: make(chan struct{}),
	}
	c.newReader = c.kafkaReader
	return c
}

// SetWriteHandler sets the callback for processing write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (c *Consumer) SetWriteValidator(validator WriteValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeValidator = validator
}

func (c *Consumer) kafkaReader() (messageReader, error) {
	cfg := c.producer.config
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          c.producer.topics.Writes,
		GroupID:        consumerGroup(cfg),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset, // start from latest on first join
		CommitInterval: time.Second,
		Dialer:         dialer,
	}), nil
}

// Start begins consuming write requests.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	logConsumer("Starting consumer for topic '%s' with group '%s'",
		c.producer.topics.Writes, consumerGroup(c.producer.config))

	reader, err := c.newReader()
	if err != nil {
		return fmt.Errorf("create reader: %w", err)
	}

	c.reader = reader
	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.consumeLoop(reader, c.stopChan)
	return nil
}

// Stop stops the consumer after processing any collected requests.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	logConsumer("Stopping consumer")
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// consumeLoop fetches messages and executes them in batches.
func (c *Consumer) consumeLoop(reader messageReader, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	// Pending writes keyed by "plc.tag"; latest value wins.
	pending := make(map[string]pendingWrite)
	var discarded []pendingWrite

	for {
		select {
		case <-stop:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
			}
			return

		case <-ticker.C:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
				pending = make(map[string]pendingWrite)
				discarded = nil
			}

		default:
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				continue
			}

			logConsumer("Received write request: partition=%d offset=%d key=%s", msg.Partition, msg.Offset, string(msg.Key))

			var req WriteRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				logConsumer("JSON parse error: %v", err)
				c.commitMessage(reader, msg)
				continue
			}

			key := string(msg.Key)
			if key == "" {
				key = req.PLC + "." + req.Tag
			}

			if existing, exists := pending[key]; exists {
				logConsumer("DEDUP DISCARD: %s/%s value=%v (offset=%d) replaced by value=%v (offset=%d)",
					existing.request.PLC, existing.request.Tag, existing.request.Value,
					existing.offset, req.Value, msg.Offset)
				discarded = append(discarded, existing)
			}

			messageTime := msg.Time
			if messageTime.IsZero() {
				messageTime = req.Timestamp
			}
			if messageTime.IsZero() {
				messageTime = time.Now()
			}
			pending[key] = pendingWrite{
				request:     req,
				messageTime: messageTime,
				offset:      msg.Offset,
			}

			c.commitMessage(reader, msg)
		}
	}
}

// processBatch executes a batch of deduplicated write requests and publishes a
// response for each request, including the superseded ones.
func (c *Consumer) processBatch(pending map[string]pendingWrite, discarded []pendingWrite) {
	c.mu.RLock()
	handler := c.writeHandler
	validator := c.writeValidator
	c.mu.RUnlock()
	maxAge := writeMaxAge(c.producer.config)

	now := time.Now()
	logConsumer("Processing batch: %d to execute, %d deduplicated", len(pending), len(discarded))

	for _, pw := range discarded {
		req := pw.request
		c.sendResponse(WriteResponse{
			PLC:          req.PLC,
			Tag:          req.Tag,
			Value:        req.Value,
			RequestID:    req.RequestID,
			Error:        "request superseded by newer write to same tag",
			Deduplicated: true,
			Timestamp:    now,
		})
	}

	for key, pw := range pending {
		req := pw.request
		resp := WriteResponse{
			PLC:       req.PLC,
			Tag:       req.Tag,
			Value:     req.Value,
			RequestID: req.RequestID,
			Timestamp: now,
		}

		age := now.Sub(pw.messageTime)
		switch {
		case age > maxAge:
			logConsumer("Skipping stale write request for %s (age: %v > max: %v)", key, age, maxAge)
			resp.Error = fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge)
			resp.Skipped = true
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
				logConsumer("Write error: %s/%s: %v", req.PLC, req.Tag, err)
				resp.Error = err.Error()
			} else {
				resp.Success = true
			}
		}

		c.sendResponse(resp)
	}
}

// sendResponse publishes a write response to the response topic.
func (c *Consumer) sendResponse(resp WriteResponse) {
	if c.producer.GetStatus() != StatusConnected {
		logConsumer("Cannot send response: producer not connected")
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logConsumer("Failed to marshal response: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := []byte(resp.PLC + "." + resp.Tag)
	if err := c.producer.Produce(ctx, c.producer.topics.Responses, key, payload); err != nil {
		logConsumer("Failed to publish response: %v", err)
	}
}

// commitMessage commits a message offset.
func (c *Consumer) commitMessage(reader messageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Failed to commit message: %v", err)
	}
}

func logConsumer(format string, args ...interface{}) {
	logging.DebugLog("Kafka", "[Consumer] "+format, args...)
}
