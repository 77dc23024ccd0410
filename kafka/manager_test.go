package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"omroncip/config"
)

// fakeCluster collects produced messages per topic.
type fakeCluster struct {
	dialErr  error
	writeErr error

	mu     sync.Mutex
	topics map[string][]kafka.Message
	writes int
	closed int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{topics: make(map[string][]kafka.Message)}
}

func (c *fakeCluster) messages(topic string) []kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafka.Message(nil), c.topics[topic]...)
}

func (c *fakeCluster) waitFor(t *testing.T, topic string, n int) []kafka.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs := c.messages(topic)
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("topic %s has %d messages, want %d", topic, len(msgs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type topicWriter struct {
	cluster *fakeCluster
	topic   string
}

func (w *topicWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	c := w.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.writeErr != nil {
		return c.writeErr
	}
	c.topics[w.topic] = append(c.topics[w.topic], msgs...)
	return nil
}

func (w *topicWriter) Close() error {
	w.cluster.mu.Lock()
	defer w.cluster.mu.Unlock()
	w.cluster.closed++
	return nil
}

func useFakeCluster(p *Producer, c *fakeCluster) {
	p.dial = func(context.Context) error { return c.dialErr }
	p.newWriter = func(topic string) (messageWriter, error) {
		return &topicWriter{cluster: c, topic: topic}, nil
	}
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(99), "Unknown"},
	}
	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestTopicsFor(t *testing.T) {
	cfg := config.DefaultKafkaConfig("k")
	got := TopicsFor(&cfg, "plant")
	want := Topics{
		Tags:      "plant-tags",
		Health:    "plant-tags.health",
		Writes:    "plant-writes",
		Responses: "plant-write-responses",
	}
	if got != want {
		t.Errorf("TopicsFor() = %+v, want %+v", got, want)
	}

	cfg.Selector = "line1"
	cfg.Topic = "custom"
	got = TopicsFor(&cfg, "plant")
	if got.Tags != "custom" || got.Health != "custom.health" || got.Writes != "plant-line1-writes" {
		t.Errorf("TopicsFor() with overrides = %+v", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := config.DefaultKafkaConfig("k")
	if consumerGroup(&cfg) != "omroncip-k-writers" {
		t.Errorf("consumerGroup() = %q", consumerGroup(&cfg))
	}
	if writeMaxAge(&cfg) != DefaultWriteMaxAge {
		t.Errorf("writeMaxAge() = %v", writeMaxAge(&cfg))
	}
	if !autoCreateTopics(&cfg) {
		t.Error("auto-create should default to true")
	}
	if tlsConfig(&cfg) != nil {
		t.Error("TLS config without UseTLS")
	}

	off := false
	cfg.AutoCreateTopics = &off
	cfg.ConsumerGroup = "g"
	cfg.WriteMaxAge = time.Minute
	cfg.UseTLS = true
	cfg.TLSSkipVerify = true
	if autoCreateTopics(&cfg) || consumerGroup(&cfg) != "g" || writeMaxAge(&cfg) != time.Minute {
		t.Error("explicit settings were not honoured")
	}
	if tc := tlsConfig(&cfg); tc == nil || !tc.InsecureSkipVerify {
		t.Errorf("tlsConfig() = %+v", tc)
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		mechanism string
		username  string
		want      string
		wantErr   bool
	}{
		{"", "", "", false},
		{"PLAIN", "", "", false},
		{"", "user", "PLAIN", false},
		{"plain", "user", "PLAIN", false},
		{"SCRAM-SHA-256", "user", "SCRAM-SHA-256", false},
		{"SCRAM-SHA-512", "user", "SCRAM-SHA-512", false},
		{"GSSAPI", "user", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.mechanism+"/"+tc.username, func(t *testing.T) {
			cfg := config.KafkaConfig{SASLMechanism: tc.mechanism, Username: tc.username, Password: "pw"}
			m, err := saslMechanism(&cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			got := ""
			if m != nil {
				got = m.Name()
			}
			if got != tc.want {
				t.Errorf("mechanism = %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := newDialer(&config.KafkaConfig{Username: "u", SASLMechanism: "bogus"}); err == nil {
		t.Error("newDialer should reject unknown mechanism")
	}
}

func TestProducer(t *testing.T) {
	cluster := newFakeCluster()
	cfg := config.DefaultKafkaConfig("k")
	p := NewProducer(&cfg, "plant")
	useFakeCluster(p, cluster)

	ctx := context.Background()
	if err := p.Produce(ctx, "t", nil, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Produce before Connect = %v, want ErrNotConnected", err)
	}

	if err := p.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if p.GetStatus() != StatusConnected {
		t.Fatalf("status = %v", p.GetStatus())
	}

	if err := p.Produce(ctx, "t", []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	if err := p.ProduceBatch(ctx, "t", []kafka.Message{{Value: []byte("v2")}, {Value: []byte("v3")}}); err != nil {
		t.Fatalf("ProduceBatch failed: %v", err)
	}
	if msgs := cluster.messages("t"); len(msgs) != 3 || string(msgs[0].Key) != "k" {
		t.Errorf("messages = %v", msgs)
	}
	if sent, failed, last := p.GetStats(); sent != 3 || failed != 0 || last.IsZero() {
		t.Errorf("stats = %d/%d/%v", sent, failed, last)
	}

	cluster.writeErr = errors.New("broker down")
	err := p.ProduceWithRetry(ctx, "t", nil, []byte("v"), 2, time.Millisecond)
	if err == nil || cluster.writes != 5 {
		t.Errorf("ProduceWithRetry err=%v writes=%d, want 3 attempts", err, cluster.writes)
	}
	if p.GetError() == nil {
		t.Error("last error not recorded")
	}

	p.Disconnect()
	if p.GetStatus() != StatusDisconnected || cluster.closed != 1 {
		t.Errorf("after Disconnect status=%v closed=%d", p.GetStatus(), cluster.closed)
	}
}

func TestProducer_ConnectError(t *testing.T) {
	cluster := newFakeCluster()
	cluster.dialErr = errors.New("connection refused")
	cfg := config.DefaultKafkaConfig("k")
	p := NewProducer(&cfg, "plant")
	useFakeCluster(p, cluster)

	if err := p.Connect(); err == nil {
		t.Fatal("expected error")
	}
	if p.GetStatus() != StatusError || p.GetError() == nil {
		t.Errorf("status=%v err=%v", p.GetStatus(), p.GetError())
	}

	if err := NewProducer(&config.KafkaConfig{Name: "empty"}, "plant").Connect(); err == nil {
		t.Error("Connect with no brokers should fail")
	}
}

func TestManager_ShouldPublish(t *testing.T) {
	tests := []struct {
		name   string
		last   interface{}
		value  interface{}
		force  bool
		expect bool
	}{
		{"same int32", int32(100), int32(100), false, false},
		{"different int32", int32(100), int32(200), false, true},
		{"forced", int32(100), int32(100), true, true},
		{"same float", float32(1.5), float32(1.5), false, false},
		{"same string", "abc", "abc", false, false},
		{"same slice", []int32{1, 2}, []int32{1, 2}, false, false},
		{"different slice", []int32{1, 2}, []int32{1, 3}, false, true},
		{"bool flip", true, false, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager()
			m.lastValues["k/plc/tag"] = tc.last
			if got := m.shouldPublish("k/plc/tag", tc.value, tc.force); got != tc.expect {
				t.Errorf("shouldPublish() = %v, want %v", got, tc.expect)
			}
			if !m.shouldPublish("other/plc/tag", tc.value, false) {
				t.Error("unknown key should publish")
			}
		})
	}
}

func TestManager_Publish(t *testing.T) {
	cluster := newFakeCluster()
	m := NewManager()
	defer m.StopAll()

	cfg := config.DefaultKafkaConfig("k")
	cfg.Enabled = true
	useFakeCluster(m.AddCluster(&cfg, "plant"), cluster)

	// Not connected yet.
	m.Publish("press", "Speed", "Speed", "REAL", float32(1.5), true, false)
	if m.AnyPublishing() {
		t.Fatal("AnyPublishing before Connect")
	}

	if err := m.Connect("k"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Connect("missing"); err == nil {
		t.Error("Connect to unknown cluster should fail")
	}
	if !m.AnyPublishing() {
		t.Fatal("AnyPublishing after Connect")
	}

	m.Publish("press", "Speed", "Program:Main.Speed", "REAL", float32(1.5), true, false)
	msgs := cluster.waitFor(t, "plant-tags", 1)

	var msg TagMessage
	if err := json.Unmarshal(msgs[0].Value, &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg.PLC != "press" || msg.Tag != "Speed" || msg.Address != "Program:Main.Speed" || msg.Type != "REAL" || !msg.Writable {
		t.Errorf("message = %+v", msg)
	}
	if string(msgs[0].Key) != "press.Speed" {
		t.Errorf("key = %q", msgs[0].Key)
	}

	// Wait for the worker to record the value before checking change detection.
	deadline := time.Now().Add(time.Second)
	for m.shouldPublish("k/press/Speed", float32(1.5), false) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Publish("press", "Speed", "Speed", "REAL", float32(1.5), true, false)
	m.Publish("press", "Speed", "Speed", "REAL", float32(2.5), true, false)
	cluster.waitFor(t, "plant-tags", 2)
	time.Sleep(50 * time.Millisecond)
	if n := len(cluster.messages("plant-tags")); n != 2 {
		t.Errorf("unchanged value republished: %d messages", n)
	}

	m.PublishHealth("press", false, "Error", "timeout")
	health := cluster.waitFor(t, "plant-tags.health", 1)
	var hm HealthMessage
	if err := json.Unmarshal(health[0].Value, &hm); err != nil {
		t.Fatalf("health is not JSON: %v", err)
	}
	if hm.PLC != "press" || hm.Online || hm.Error != "timeout" {
		t.Errorf("health = %+v", hm)
	}

	m.ClearLastValues()
	if !m.shouldPublish("k/press/Speed", float32(2.5), false) {
		t.Error("cache not cleared")
	}

	if status, err := m.GetClusterStatus("k"); status != StatusConnected || err != nil {
		t.Errorf("GetClusterStatus() = %v, %v", status, err)
	}
	m.RemoveCluster("k")
	if len(m.ListClusters()) != 0 || m.AnyPublishing() {
		t.Error("RemoveCluster left the cluster behind")
	}
}
