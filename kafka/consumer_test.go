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

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 16)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func newTestConsumer(t *testing.T, cluster *fakeCluster) *Consumer {
	t.Helper()
	cfg := config.DefaultKafkaConfig("k")
	cfg.EnableWriteback = true
	p := NewProducer(&cfg, "plant")
	useFakeCluster(p, cluster)
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return NewConsumer(p)
}

func decodeResponses(t *testing.T, msgs []kafka.Message) map[string]WriteResponse {
	t.Helper()
	out := make(map[string]WriteResponse)
	for _, m := range msgs {
		var resp WriteResponse
		if err := json.Unmarshal(m.Value, &resp); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
		out[resp.RequestID] = resp
	}
	return out
}

func TestConsumer_ProcessBatch(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestConsumer(t, cluster)

	var mu sync.Mutex
	written := make(map[string]interface{})
	c.SetWriteHandler(func(plcName, tagName string, value interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		if tagName == "Broken" {
			return errors.New("plc status error")
		}
		written[plcName+"/"+tagName] = value
		return nil
	})
	c.SetWriteValidator(func(plcName, tagName string) bool { return tagName != "ReadOnly" })

	now := time.Now()
	req := func(id, tag string, value interface{}) WriteRequest {
		return WriteRequest{PLC: "press", Tag: tag, Value: value, RequestID: id}
	}
	pending := map[string]pendingWrite{
		"press.Speed":    {request: req("ok", "Speed", 2.5), messageTime: now},
		"press.Old":      {request: req("stale", "Old", 1.0), messageTime: now.Add(-time.Minute)},
		"press.ReadOnly": {request: req("ro", "ReadOnly", 1.0), messageTime: now},
		"press.Broken":   {request: req("broken", "Broken", 1.0), messageTime: now},
		"press.Empty":    {request: req("novalue", "Empty", nil), messageTime: now},
	}
	discarded := []pendingWrite{{request: req("superseded", "Speed", 1.0), messageTime: now}}

	c.processBatch(pending, discarded)

	responses := decodeResponses(t, cluster.messages("plant-write-responses"))
	if len(responses) != 6 {
		t.Fatalf("got %d responses, want 6", len(responses))
	}

	tests := []struct {
		id      string
		success bool
		errText string
		skipped bool
		dedup   bool
	}{
		{"ok", true, "", false, false},
		{"ro", false, "tag is not writable", false, false},
		{"broken", false, "plc status error", false, false},
		{"novalue", false, "value is required", false, false},
		{"superseded", false, "request superseded by newer write to same tag", false, true},
	}
	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			resp := responses[tc.id]
			if resp.Success != tc.success || resp.Error != tc.errText || resp.Skipped != tc.skipped || resp.Deduplicated != tc.dedup {
				t.Errorf("response = %+v", resp)
			}
		})
	}
	if resp := responses["stale"]; !resp.Skipped || resp.Success {
		t.Errorf("stale response = %+v", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(written) != 1 || written["press/Speed"] != 2.5 {
		t.Errorf("handler saw %v", written)
	}
}

func TestConsumer_NoHandler(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestConsumer(t, cluster)
	c.processBatch(map[string]pendingWrite{
		"press.Speed": {request: WriteRequest{PLC: "press", Tag: "Speed", Value: 1.0}, messageTime: time.Now()},
	}, nil)

	msgs := cluster.messages("plant-write-responses")
	if len(msgs) != 1 {
		t.Fatalf("got %d responses", len(msgs))
	}
	var resp WriteResponse
	json.Unmarshal(msgs[0].Value, &resp)
	if resp.Error != "no write handler configured" {
		t.Errorf("response = %+v", resp)
	}
	if string(msgs[0].Key) != "press.Speed" {
		t.Errorf("key = %q", msgs[0].Key)
	}
}

func TestConsumer_Loop(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestConsumer(t, cluster)
	reader := newFakeReader()
	c.newReader = func() (messageReader, error) { return reader, nil }

	done := make(chan string, 1)
	c.SetWriteHandler(func(plcName, tagName string, value interface{}) error {
		done <- plcName + "/" + tagName
		return nil
	})

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("consumer not running")
	}

	reader.msgs <- kafka.Message{Offset: 1, Value: []byte(`not json`)}
	reader.msgs <- kafka.Message{Offset: 2, Time: time.Now(), Value: []byte(`{"plc":"press","tag":"Speed","value":4}`)}

	select {
	case got := <-done:
		if got != "press/Speed" {
			t.Errorf("handler saw %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write request not executed")
	}
	cluster.waitFor(t, "plant-write-responses", 1)

	c.Stop()
	if c.IsRunning() {
		t.Error("consumer still running after Stop")
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if !reader.closed {
		t.Error("reader not closed")
	}
	if len(reader.committed) != 2 {
		t.Errorf("committed offsets %v, want both messages", reader.committed)
	}
}

func TestManager_Writeback(t *testing.T) {
	cluster := newFakeCluster()
	m := NewManager()
	defer m.StopAll()

	m.SetWriteValidator(func(plcName, tagName string) bool { return true })
	cfg := config.DefaultKafkaConfig("k")
	cfg.EnableWriteback = true
	useFakeCluster(m.AddCluster(&cfg, "plant"), cluster)

	c := m.GetConsumer("k")
	if c == nil {
		t.Fatal("no consumer for write-back cluster")
	}
	reader := newFakeReader()
	c.newReader = func() (messageReader, error) { return reader, nil }

	written := make(chan interface{}, 1)
	m.SetWriteHandler(func(plcName, tagName string, value interface{}) error {
		written <- value
		return nil
	})

	if err := m.Connect("k"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("Connect did not start the consumer")
	}

	reader.msgs <- kafka.Message{Key: []byte("press.Speed"), Time: time.Now(), Value: []byte(`{"plc":"press","tag":"Speed","value":7}`)}
	select {
	case v := <-written:
		if v != 7.0 {
			t.Errorf("value = %v", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write not executed")
	}

	m.Disconnect("k")
	if c.IsRunning() {
		t.Error("Disconnect did not stop the consumer")
	}
}
