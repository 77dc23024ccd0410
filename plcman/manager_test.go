package plcman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"omroncip/cip"
	"omroncip/config"
	"omroncip/eip"
	"omroncip/omron"
	"omroncip/plcsim"
)

func newSim(t *testing.T) *plcsim.Server {
	t.Helper()
	sim := plcsim.New()
	if err := sim.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { sim.Close() })
	return sim
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type changeLog struct {
	mu     sync.Mutex
	latest map[string]ValueChange
}

func (l *changeLog) add(changes []ValueChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latest == nil {
		l.latest = make(map[string]ValueChange)
	}
	for _, c := range changes {
		l.latest[c.TagName] = c
	}
}

func (l *changeLog) get(tag string) (ValueChange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.latest[tag]
	return c, ok
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
			t.Errorf("String(%d) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestManager_PollAndChanges(t *testing.T) {
	sim := newSim(t)
	sim.SetTag("Speed", cip.TypeFloat, float32(12.5))
	sim.SetTag("Count", cip.TypeInt, int32(3))
	sim.SetTag("Buf", cip.TypeShort, []int16{1, 2, 3})
	sim.SetTag("Recipe", cip.TypeString, "bread")

	cfg := &config.PLCConfig{
		Name:    "press",
		Address: sim.Addr(),
		Enabled: true,
		Tags: []config.TagSelection{
			{Name: "Speed", Enabled: true, Writable: true},
			{Name: "Count", Alias: "parts", Enabled: true},
			{Name: "Buf[0]", Count: 3, Enabled: true},
			{Name: "Recipe", Enabled: true, NoMQTT: true},
			{Name: "Ignored", Enabled: false},
		},
	}

	m := NewManager(20 * time.Millisecond)
	log := &changeLog{}
	m.SetOnValueChange(log.add)
	if err := m.AddPLC(cfg); err != nil {
		t.Fatalf("AddPLC failed: %v", err)
	}
	m.Start()
	defer m.Stop()

	waitFor(t, "initial values", func() bool {
		_, a := log.get("Speed")
		_, b := log.get("parts")
		_, c := log.get("Buf[0]")
		_, d := log.get("Recipe")
		return a && b && c && d
	})

	plc := m.GetPLC("press")
	if plc.GetStatus() != StatusConnected {
		t.Errorf("status = %v, want Connected", plc.GetStatus())
	}
	if id := plc.GetIdentity(); id == nil || id.ProductName == "" {
		t.Errorf("expected identity, got %+v", id)
	}

	speed, _ := log.get("Speed")
	if speed.TypeName != "REAL" || fmt.Sprint(speed.Value) != "12.5" || !speed.Writable {
		t.Errorf("Speed change = %+v", speed)
	}
	parts, _ := log.get("parts")
	if parts.Address != "Count" || fmt.Sprint(parts.Value) != "3" {
		t.Errorf("Count change = %+v", parts)
	}
	buf, _ := log.get("Buf[0]")
	if fmt.Sprint(buf.Value) != "[1 2 3]" || buf.TypeName != "INT" {
		t.Errorf("Buf change = %+v", buf)
	}
	recipe, _ := log.get("Recipe")
	if recipe.Value != "bread" || !recipe.NoMQTT {
		t.Errorf("Recipe change = %+v", recipe)
	}

	sim.SetTag("Count", cip.TypeInt, int32(7))
	waitFor(t, "Count change", func() bool {
		c, _ := log.get("parts")
		return fmt.Sprint(c.Value) == "7"
	})

	all := m.GetAllCurrentValues()
	if len(all) != 4 {
		t.Fatalf("GetAllCurrentValues returned %d values, want 4", len(all))
	}
	if all[0].TagName != "Speed" || all[1].TagName != "parts" {
		t.Errorf("values not in config order: %+v", all)
	}

	if v := plc.GetValue("parts"); v == nil || v.DataType != cip.TypeInt {
		t.Errorf("GetValue by alias = %+v", v)
	}
	if _, ok := plc.GetValues()["Ignored"]; ok {
		t.Error("disabled tag was polled")
	}
}

func TestManager_ReadWrite(t *testing.T) {
	sim := newSim(t)
	sim.SetTag("Speed", cip.TypeFloat, float32(1))
	sim.SetTag("Count", cip.TypeInt, int32(0))
	sim.SetTag("Buf", cip.TypeUShort, []uint16{5, 6})

	cfg := &config.PLCConfig{
		Name:    "line",
		Address: sim.Addr(),
		Tags: []config.TagSelection{
			{Name: "Speed", DataType: "REAL", Writable: true},
			{Name: "Buf[0]", Alias: "buf", Count: 2},
		},
	}
	m := NewManager(time.Second)
	m.AddPLC(cfg)
	ctx := context.Background()

	if err := m.WriteTag(ctx, "line", "Speed", 1.0); !errors.Is(err, ErrOffline) {
		t.Errorf("write before connect: got %v, want ErrOffline", err)
	}
	if err := m.ConnectWait(ctx, "line"); err != nil {
		t.Fatalf("ConnectWait failed: %v", err)
	}
	defer m.DisconnectAll()

	t.Run("configured type from string", func(t *testing.T) {
		if err := m.WriteTag(ctx, "line", "Speed", "2.5"); err != nil {
			t.Fatalf("WriteTag failed: %v", err)
		}
		v, _ := sim.Value("Speed")
		if fmt.Sprint(v.GoValue()) != "2.5" {
			t.Errorf("Speed = %v, want 2.5", v.GoValue())
		}
	})

	t.Run("type learned from read", func(t *testing.T) {
		if got := m.GetTagType(ctx, "line", "Count"); got != cip.TypeInt {
			t.Errorf("GetTagType = %v, want DINT", got)
		}
		if err := m.WriteTag(ctx, "line", "Count", float64(42)); err != nil {
			t.Fatalf("WriteTag failed: %v", err)
		}
		v, _ := sim.Value("Count")
		if fmt.Sprint(v.GoValue()) != "42" {
			t.Errorf("Count = %v, want 42", v.GoValue())
		}
	})

	t.Run("read configured array by alias", func(t *testing.T) {
		v, err := m.ReadTag(ctx, "line", "buf")
		if err != nil {
			t.Fatalf("ReadTag failed: %v", err)
		}
		if fmt.Sprint(v.GoValue()) != "[5 6]" || v.TypeName() != "UINT" {
			t.Errorf("ReadTag = %+v", v)
		}
	})

	t.Run("errors", func(t *testing.T) {
		if err := m.WriteTag(ctx, "nope", "Speed", 1); !errors.Is(err, ErrUnknownPLC) {
			t.Errorf("unknown PLC: got %v", err)
		}
		if err := m.WriteTag(ctx, "line", "Missing", 1); !errors.Is(err, ErrUnknownType) {
			t.Errorf("unknown tag: got %v", err)
		}
		if err := m.WriteTag(ctx, "line", "Speed", "fast"); err == nil {
			t.Error("expected parse error")
		}
		if _, err := m.ReadTag(ctx, "line", "Missing"); !errors.Is(err, cip.ErrPlcStatus) {
			t.Errorf("read missing: got %v, want ErrPlcStatus", err)
		}
	})

	if !m.IsWritable("line", "speed") {
		t.Error("Speed should be writable")
	}
	if m.IsWritable("line", "buf") || m.IsWritable("nope", "Speed") {
		t.Error("unexpected writable tag")
	}

	if sel, err := m.Tag("line", "BUF"); err != nil || sel.Name != "Buf[0]" {
		t.Errorf("Tag by alias = %+v, %v", sel, err)
	}
	if _, err := m.Tag("line", "Missing"); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("Tag(Missing) = %v, want ErrUnknownTag", err)
	}
	if _, err := m.Tag("nope", "Speed"); !errors.Is(err, ErrUnknownPLC) {
		t.Errorf("Tag on unknown PLC = %v, want ErrUnknownPLC", err)
	}
}

// fakeClient returns a DINT 1 for every tag and fails the first failReads batches.
type fakeClient struct {
	mu        sync.Mutex
	failReads int
	connected bool
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) ConnectionMode() string { return "fake" }

func (c *fakeClient) Read(ctx context.Context, tag string) omron.Result {
	return omron.Result{Tag: tag, Success: true, Message: "OK", Content: cip.Int32s{1}}
}

func (c *fakeClient) ReadArray(ctx context.Context, tag string, count int) omron.Result {
	return omron.Result{Tag: tag, Success: true, Message: "OK", Content: make(cip.Int32s, count)}
}

func (c *fakeClient) ReadMany(ctx context.Context, tags ...string) ([]omron.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads > 0 {
		c.failReads--
		return nil, fmt.Errorf("%w: connection reset", eip.ErrConnection)
	}
	out := make([]omron.Result, len(tags))
	for i, tag := range tags {
		out[i] = omron.Result{Tag: tag, Success: true, Message: "OK", Content: cip.Int32s{1}}
	}
	return out, nil
}

func (c *fakeClient) Write(ctx context.Context, tag string, typ cip.DataType, value any) omron.Result {
	return omron.Result{Tag: tag, Success: true, Message: "OK"}
}

func (c *fakeClient) Identity(ctx context.Context) (*eip.Identity, error) {
	return nil, errors.New("identity not supported")
}

func (c *fakeClient) Keepalive(ctx context.Context) error { return nil }

// gatedClient blocks in Connect until release is closed.
type gatedClient struct {
	fakeClient
	dialing chan struct{}
	release chan struct{}
}

func (c *gatedClient) Connect(ctx context.Context) error {
	close(c.dialing)
	<-c.release
	return c.fakeClient.Connect(ctx)
}

func TestManager_DisconnectDuringConnect(t *testing.T) {
	client := &gatedClient{dialing: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(0, WithDialer(func(cfg *config.PLCConfig) Client { return client }))
	m.AddPLC(&config.PLCConfig{Name: "press", Address: "press"})

	done := make(chan error, 1)
	go func() { done <- m.ConnectWait(context.Background(), "press") }()

	<-client.dialing
	plc := m.GetPLC("press")
	if got := plc.GetStatus(); got != StatusConnecting {
		t.Fatalf("status while dialing = %s, want Connecting", got)
	}
	if err := m.Disconnect("press"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	close(client.release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrOffline) {
			t.Errorf("ConnectWait error = %v, want ErrOffline", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectWait did not return")
	}
	if got := plc.GetStatus(); got != StatusDisconnected {
		t.Errorf("status = %s, want Disconnected", got)
	}
	if client.IsConnected() {
		t.Error("late client was not closed")
	}
	plc.mu.RLock()
	installed := plc.Client != nil
	plc.mu.RUnlock()
	if installed {
		t.Error("late client was installed")
	}
}

func TestManager_ReconnectAfterConnectionError(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := func(cfg *config.PLCConfig) Client {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return &fakeClient{failReads: 1}
		}
		return &fakeClient{}
	}
	dialCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return dials
	}

	m := NewManager(10*time.Millisecond, WithDialer(dialer), WithReconnectDelay(10*time.Millisecond))
	m.AddPLC(&config.PLCConfig{
		Name:    "fake",
		Address: "fake",
		Enabled: true,
		Tags:    []config.TagSelection{{Name: "A", Enabled: true}},
	})
	m.Start()
	defer m.Stop()

	plc := m.GetPLC("fake")
	waitFor(t, "reconnect", func() bool {
		return dialCount() >= 2 && plc.GetValue("A") != nil && plc.GetStatus() == StatusConnected
	})
	if v := plc.GetValue("A"); fmt.Sprint(v.GoValue()) != "1" {
		t.Errorf("A = %v, want 1", v.GoValue())
	}
	waitFor(t, "poll stats", func() bool { return m.GetPollStats().TagsPolled == 1 })
}

func TestManager_AddRemove(t *testing.T) {
	m := NewManager(0, WithDialer(func(cfg *config.PLCConfig) Client { return &fakeClient{} }))
	if err := m.AddPLC(&config.PLCConfig{Name: "b"}); err != nil {
		t.Fatalf("AddPLC failed: %v", err)
	}
	m.AddPLC(&config.PLCConfig{Name: "a"})
	if err := m.AddPLC(&config.PLCConfig{Name: "a"}); err == nil {
		t.Error("expected error for duplicate PLC")
	}

	if names := m.PLCNames(); fmt.Sprint(names) != "[a b]" {
		t.Errorf("PLCNames = %v", names)
	}
	if name, ok := m.FindPLCName("B"); !ok || name != "b" {
		t.Errorf("FindPLCName(B) = %q, %v", name, ok)
	}

	if err := m.ConnectWait(context.Background(), "a"); err != nil {
		t.Fatalf("ConnectWait failed: %v", err)
	}
	if got := m.GetPLC("a").GetConnectionMode(); got != "fake" {
		t.Errorf("GetConnectionMode = %q", got)
	}
	if err := m.RemovePLC("a"); err != nil {
		t.Errorf("RemovePLC failed: %v", err)
	}
	if err := m.RemovePLC("a"); !errors.Is(err, ErrUnknownPLC) {
		t.Errorf("RemovePLC twice: got %v", err)
	}
	if err := m.Connect("a"); !errors.Is(err, ErrUnknownPLC) {
		t.Errorf("Connect removed: got %v", err)
	}
}
