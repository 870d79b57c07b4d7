// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for tests.
//
// Both are safe for concurrent use and count the calls they receive.
//
//	conn := mock.NewConnection()
//	platform := &mock.Platform{Results: []mock.Result{{Conn: conn}}}
//	got, err := platform.Connect(ctx, "200")
//	conn.End(someErr) // simulate the transport giving up
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxwire/pkg/audio"
)

// ErrNoResult is returned by [Platform.Connect] once Results is exhausted.
var ErrNoResult = errors.New("mock: no connect result left")

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a fake [audio.Connection]. Create it with [NewConnection].
type Connection struct {
	mu sync.Mutex

	// Inputs is returned by InputStreams.
	Inputs map[string]<-chan audio.AudioFrame

	// Output is returned by OutputStream.
	Output chan audio.AudioFrame

	// DisconnectErr is returned by the first Disconnect.
	DisconnectErr error

	callback    func(audio.Event)
	disconnects int
	err         error
	done        chan struct{}
	once        sync.Once
}

var _ audio.Connection = (*Connection)(nil)

// NewConnection returns a live connection with a buffered output stream.
func NewConnection() *Connection {
	return &Connection{
		Inputs: map[string]<-chan audio.AudioFrame{},
		Output: make(chan audio.AudioFrame, 16),
		done:   make(chan struct{}),
	}
}

func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Inputs
}

func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.Output }

func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Disconnect ends the connection cleanly.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	first := c.disconnects == 1
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	if first {
		return c.DisconnectErr
	}
	return nil
}

// End simulates the transport stopping with err.
func (c *Connection) End(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Emit invokes the registered participant callback synchronously.
func (c *Connection) Emit(ev audio.Event) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Disconnects returns how often Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// Result is the outcome of one Connect call.
type Result struct {
	Conn audio.Connection
	Err  error
}

// Platform is a fake [audio.Platform] that hands out Results in order.
type Platform struct {
	mu sync.Mutex

	Results []Result

	calls []string
}

var _ audio.Platform = (*Platform)(nil)

// Connect returns the next result, or [ErrNoResult].
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, channelID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.Results) == 0 {
		return nil, ErrNoResult
	}
	r := p.Results[0]
	p.Results = p.Results[1:]
	return r.Conn, r.Err
}

// Calls returns the channel ids passed to Connect.
func (p *Platform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}
