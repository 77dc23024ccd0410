// Package omron is a tag-level client for Omron NJ/NX controllers speaking CIP
// over EtherNet/IP. Operations report through Result instead of returning
// errors, so a batch of reads can carry per-tag failures.
package omron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"omroncip/cip"
	"omroncip/eip"
	"omroncip/logging"
)

// Recorder receives a copy of every frame exchanged with the PLC.
type Recorder interface {
	Record(dir eip.Direction, frame []byte)
}

// Client is a connection to one PLC.
type Client struct {
	session  *eip.Session
	address  string
	port     uint16
	slot     byte
	timeout  time.Duration
	recorder Recorder
	logger   *logging.FileLogger
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithPort sets the EtherNet/IP TCP port.
func WithPort(port uint16) Option {
	return func(c *Client) {
		c.port = port
	}
}

// WithSlot sets the backplane slot of the CPU.
func WithSlot(slot byte) Option {
	return func(c *Client) {
		c.slot = slot
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithRecorder copies every frame to r, typically a capture.Recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithLogger reports connection failures to a service log.
func WithLogger(l *logging.FileLogger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates an unconnected client.
func NewClient(address string, opts ...Option) *Client {
	c := &Client{
		address: address,
		port:    eip.DefaultPort,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	sessOpts := []eip.Option{
		eip.WithPort(c.port),
		eip.WithSlot(c.slot),
		eip.WithTimeout(c.timeout),
		eip.WithErrorHook(c.onError),
	}
	if c.recorder != nil {
		sessOpts = append(sessOpts, eip.WithTrafficHook(c.recorder.Record))
	}
	c.session = eip.NewSession(address, sessOpts...)
	return c
}

// Connect creates a client and registers a session with the PLC at address.
func Connect(ctx context.Context, address string, opts ...Option) (*Client, error) {
	c := NewClient(address, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect (re)establishes the session. It does nothing when already connected.
func (c *Client) Connect(ctx context.Context) error {
	logging.DebugLog("omron", "Connect to %s slot=%d timeout=%v", c.session.Address(), c.slot, c.timeout)
	return c.session.Connect(ctx)
}

// Close unregisters the session and closes the connection.
func (c *Client) Close() error {
	return c.session.Close()
}

// IsConnected reports whether a session is registered.
func (c *Client) IsConnected() bool {
	return c.session.IsConnected()
}

// Address returns host:port of the PLC.
func (c *Client) Address() string {
	return c.session.Address()
}

// ConnectionMode returns a short description of the connection.
func (c *Client) ConnectionMode() string {
	if !c.IsConnected() {
		return "Not connected"
	}
	return fmt.Sprintf("EIP unconnected, slot %d, session %s", c.slot, c.session.Handle())
}

// Read reads a single tag.
func (c *Client) Read(ctx context.Context, tag string) Result {
	v, err := c.session.Read(ctx, tag)
	return newResult(tag, v, err)
}

// ReadArray reads count consecutive elements starting at the addressed element.
func (c *Client) ReadArray(ctx context.Context, tag string, count int) Result {
	if count < 1 || count > 0xFFFF {
		return newResult(tag, nil, fmt.Errorf("element count %d out of range 1..65535", count))
	}
	v, err := c.session.ReadElements(ctx, tag, uint16(count))
	return newResult(tag, v, err)
}

// Write writes value to tag as typ. Slices write consecutive elements.
func (c *Client) Write(ctx context.Context, tag string, typ cip.DataType, value any) Result {
	return newResult(tag, nil, c.session.Write(ctx, tag, typ, value))
}

// WriteValue writes value with the CIP type implied by its Go type (see TypeOf).
func (c *Client) WriteValue(ctx context.Context, tag string, value any) Result {
	typ, err := TypeOf(value)
	if err != nil {
		return newResult(tag, nil, err)
	}
	return c.Write(ctx, tag, typ, value)
}

// Identity asks the PLC to identify itself.
func (c *Client) Identity(ctx context.Context) (*eip.Identity, error) {
	ids, err := c.session.ListIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no identity item in reply", cip.ErrMalformedReply)
	}
	return &ids[0], nil
}

// Keepalive sends an encapsulation NOP.
func (c *Client) Keepalive(ctx context.Context) error {
	return c.session.SendNop(ctx)
}

func (c *Client) onError(err error) {
	if c.logger != nil {
		c.logger.Log("PLC %s: %v", c.session.Address(), err)
	}
}

// IsConnectionError reports whether err means the connection should be rebuilt.
func IsConnectionError(err error) bool {
	return errors.Is(err, eip.ErrConnection) ||
		errors.Is(err, eip.ErrNotConnected) ||
		errors.Is(err, eip.ErrRegistration)
}
