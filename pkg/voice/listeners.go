package voice

import (
	"sync"
	"time"
)

// listeners holds registered event callbacks. Callbacks are invoked outside
// the lock, in registration order.
type listeners struct {
	mu           sync.Mutex
	onStatus     []func(old, new Status)
	onSpeaking   []func(userID uint64, ssrc uint32, flags SpeakingFlags)
	onPing       []func(rtt time.Duration)
	onConnect    []func(userID uint64)
	onDisconnect []func(userID uint64)
}

// OnStatusChange registers fn for every status transition.
func (c *Connection) OnStatusChange(fn func(old, new Status)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.onStatus = append(c.events.onStatus, fn)
}

// OnUserSpeaking registers fn for speaking updates of remote users.
func (c *Connection) OnUserSpeaking(fn func(userID uint64, ssrc uint32, flags SpeakingFlags)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.onSpeaking = append(c.events.onSpeaking, fn)
}

// OnPing registers fn for heartbeat round-trip times.
func (c *Connection) OnPing(fn func(rtt time.Duration)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.onPing = append(c.events.onPing, fn)
}

// OnUserConnect registers fn for users joining the call.
func (c *Connection) OnUserConnect(fn func(userID uint64)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.onConnect = append(c.events.onConnect, fn)
}

// OnUserDisconnect registers fn for users leaving the call.
func (c *Connection) OnUserDisconnect(fn func(userID uint64)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.onDisconnect = append(c.events.onDisconnect, fn)
}

func (l *listeners) status(old, new Status) {
	l.mu.Lock()
	fns := l.onStatus
	l.mu.Unlock()
	for _, fn := range fns {
		fn(old, new)
	}
}

func (l *listeners) speaking(userID uint64, ssrc uint32, flags SpeakingFlags) {
	l.mu.Lock()
	fns := l.onSpeaking
	l.mu.Unlock()
	for _, fn := range fns {
		fn(userID, ssrc, flags)
	}
}

func (l *listeners) ping(rtt time.Duration) {
	l.mu.Lock()
	fns := l.onPing
	l.mu.Unlock()
	for _, fn := range fns {
		fn(rtt)
	}
}

func (l *listeners) userConnect(userID uint64) {
	l.mu.Lock()
	fns := l.onConnect
	l.mu.Unlock()
	for _, fn := range fns {
		fn(userID)
	}
}

func (l *listeners) userDisconnect(userID uint64) {
	l.mu.Lock()
	fns := l.onDisconnect
	l.mu.Unlock()
	for _, fn := range fns {
		fn(userID)
	}
}
