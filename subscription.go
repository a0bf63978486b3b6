package aredis

import (
	"context"
	"sync"

	"github.com/aredis/aredis/resp"
)

// messageBuffer is the per-subscription sink depth. Once full, the reader
// blocks so server order per channel is never violated.
const messageBuffer = 128

// Message is one pub/sub delivery.
type Message struct {
	// Channel the message was published to.
	Channel string
	// Pattern that matched, for pattern subscriptions; empty otherwise.
	Pattern string
	// Payload is the raw published bytes.
	Payload []byte
}

// Subscription is a single channel or pattern subscription. Messages
// returns the sink; the channel is closed when the subscription ends, by
// Unsubscribe or by connection loss.
type Subscription struct {
	name    string
	pattern bool

	// back-reference for Unsubscribe only; the connection owns the
	// registry map, the subscription never outlives it
	conn *Connection

	msgs chan Message

	ackCh   chan error // buffered; receives the subscribe ack exactly once
	ackOnce sync.Once
	acked   bool // guarded by the registry mutex
	closeO  sync.Once
}

// Name returns the channel or pattern.
func (s *Subscription) Name() string {
	return s.name
}

// IsPattern reports whether this is a PSUBSCRIBE subscription.
func (s *Subscription) IsPattern() bool {
	return s.pattern
}

// Messages returns the delivery stream.
func (s *Subscription) Messages() <-chan Message {
	return s.msgs
}

// Unsubscribe removes the subscription. The sink channel is closed once
// the server acknowledges.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	word := "UNSUBSCRIBE"
	if s.pattern {
		word = "PUNSUBSCRIBE"
	}
	return s.conn.subs.unsubscribe(ctx, s, NewCommand(word, s.name))
}

func (s *Subscription) complete() {
	s.closeO.Do(func() {
		close(s.msgs)
	})
}

func (s *Subscription) resolveAck(err error) {
	s.ackOnce.Do(func() {
		s.ackCh <- err
	})
}

// subscriptionRegistry holds a connection's channel and pattern tables and
// routes incoming pub/sub frames. The connection owns it strongly.
type subscriptionRegistry struct {
	conn *Connection

	mu          sync.Mutex
	channels    map[string]*Subscription
	patterns    map[string]*Subscription
	pendingAcks int
	serverCount int64 // subscription count per the last ack frame

	unsubWaiters map[string]chan error
}

func newSubscriptionRegistry(c *Connection) *subscriptionRegistry {
	return &subscriptionRegistry{
		conn:         c,
		channels:     make(map[string]*Subscription),
		patterns:     make(map[string]*Subscription),
		unsubWaiters: make(map[string]chan error),
	}
}

// engaged reports whether the connection is in subscriber mode or has
// subscribe acks outstanding. Command gating on RESP2 keys off this.
func (r *subscriptionRegistry) engaged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serverCount > 0 || r.pendingAcks > 0 ||
		len(r.channels) > 0 || len(r.patterns) > 0
}

func (r *subscriptionRegistry) table(pattern bool) map[string]*Subscription {
	if pattern {
		return r.patterns
	}
	return r.channels
}

// subscribe sends (P)SUBSCRIBE and waits for the ack. Subscribing twice to
// the same name is idempotent and returns the existing subscription.
func (r *subscriptionRegistry) subscribe(ctx context.Context, name string, pattern bool) (*Subscription, error) {
	word := "SUBSCRIBE"
	if pattern {
		word = "PSUBSCRIBE"
	}

	r.mu.Lock()
	if sub, ok := r.table(pattern)[name]; ok {
		r.mu.Unlock()
		return sub, nil
	}
	sub := &Subscription{
		name:    name,
		pattern: pattern,
		conn:    r.conn,
		msgs:    make(chan Message, messageBuffer),
		ackCh:   make(chan error, 1),
	}
	r.table(pattern)[name] = sub
	r.pendingAcks++
	r.mu.Unlock()

	if err := r.conn.sendControl(NewCommand(word, name)); err != nil {
		r.drop(sub)
		return nil, err
	}

	select {
	case err := <-sub.ackCh:
		if err != nil {
			r.drop(sub)
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		// cancelling a pending subscribe unsubscribes, off the caller's
		// critical path
		go func() { _ = sub.Unsubscribe(context.Background()) }()
		return nil, ctx.Err()
	}
}

func (r *subscriptionRegistry) drop(sub *Subscription) {
	r.mu.Lock()
	if cur, ok := r.table(sub.pattern)[sub.name]; ok && cur == sub {
		delete(r.table(sub.pattern), sub.name)
	}
	if !sub.acked && r.pendingAcks > 0 {
		// the ack never came; without this the gate stays engaged
		r.pendingAcks--
	}
	r.mu.Unlock()
	sub.complete()
}

func (r *subscriptionRegistry) unsubscribe(ctx context.Context, sub *Subscription, cmd *Command) error {
	r.mu.Lock()
	if _, ok := r.table(sub.pattern)[sub.name]; !ok {
		r.mu.Unlock()
		return nil
	}
	waiter := make(chan error, 1)
	r.unsubWaiters[unsubKey(sub.pattern, sub.name)] = waiter
	r.mu.Unlock()

	if err := r.conn.sendControl(cmd); err != nil {
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch routes one pub/sub frame. Kind is the lowercased first element.
func (r *subscriptionRegistry) dispatch(kind string, reply *resp.Reply) {
	elems := reply.Elems
	switch kind {
	case "subscribe", "psubscribe":
		if len(elems) < 3 {
			r.logBadFrame(kind, reply)
			return
		}
		name := string(elems[1].Bytes())
		count, _ := elems[2].Int64()
		pattern := kind == "psubscribe"

		r.mu.Lock()
		sub := r.table(pattern)[name]
		if sub != nil && !sub.acked {
			sub.acked = true
			if r.pendingAcks > 0 {
				r.pendingAcks--
			}
		}
		r.serverCount = count
		r.mu.Unlock()

		if sub != nil {
			sub.resolveAck(nil)
		}
		r.syncConnState()

	case "unsubscribe", "punsubscribe":
		if len(elems) < 3 {
			r.logBadFrame(kind, reply)
			return
		}
		name := string(elems[1].Bytes())
		count, _ := elems[2].Int64()
		pattern := kind == "punsubscribe"

		r.mu.Lock()
		sub := r.table(pattern)[name]
		delete(r.table(pattern), name)
		waiter := r.unsubWaiters[unsubKey(pattern, name)]
		delete(r.unsubWaiters, unsubKey(pattern, name))
		r.serverCount = count
		r.mu.Unlock()

		if sub != nil {
			sub.complete()
		}
		if waiter != nil {
			waiter <- nil
		}
		r.syncConnState()

	case "message":
		if len(elems) != 3 {
			r.logBadFrame(kind, reply)
			return
		}
		name := string(elems[1].Bytes())
		r.mu.Lock()
		sub := r.channels[name]
		r.mu.Unlock()
		if sub == nil {
			r.conn.logger.Debug("aredis: message for unknown channel dropped", "channel", name)
			return
		}
		sub.msgs <- Message{Channel: name, Payload: elems[2].Bytes()}

	case "pmessage":
		if len(elems) != 4 {
			r.logBadFrame(kind, reply)
			return
		}
		pat := string(elems[1].Bytes())
		r.mu.Lock()
		sub := r.patterns[pat]
		r.mu.Unlock()
		if sub == nil {
			r.conn.logger.Debug("aredis: pmessage for unknown pattern dropped", "pattern", pat)
			return
		}
		sub.msgs <- Message{
			Pattern: pat,
			Channel: string(elems[2].Bytes()),
			Payload: elems[3].Bytes(),
		}
	}
}

func (r *subscriptionRegistry) logBadFrame(kind string, reply *resp.Reply) {
	r.conn.logger.Warn("aredis: malformed pub/sub frame dropped",
		"kind", kind, "elems", len(reply.Elems))
}

// syncConnState flips the connection between Ready and Subscribed on ack
// boundaries.
func (r *subscriptionRegistry) syncConnState() {
	r.mu.Lock()
	subscribed := r.serverCount > 0
	r.mu.Unlock()

	r.conn.mu.Lock()
	switch r.conn.state {
	case StateReady:
		if subscribed {
			r.conn.state = StateSubscribed
		}
	case StateSubscribed:
		if !subscribed {
			r.conn.state = StateReady
		}
	}
	r.conn.mu.Unlock()
}

// closeAll completes every sink and fails outstanding acks; called once
// from connection teardown.
func (r *subscriptionRegistry) closeAll(err error) {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.channels)+len(r.patterns))
	for _, s := range r.channels {
		subs = append(subs, s)
	}
	for _, s := range r.patterns {
		subs = append(subs, s)
	}
	r.channels = make(map[string]*Subscription)
	r.patterns = make(map[string]*Subscription)
	waiters := r.unsubWaiters
	r.unsubWaiters = make(map[string]chan error)
	r.pendingAcks = 0
	r.serverCount = 0
	r.mu.Unlock()

	for _, s := range subs {
		s.resolveAck(err)
		s.complete()
	}
	for _, w := range waiters {
		w <- err
	}
}

func unsubKey(pattern bool, name string) string {
	if pattern {
		return "p:" + name
	}
	return "c:" + name
}

// sendControl writes a command without a pending-queue entry. Pub/sub
// control commands are acknowledged by pub/sub frames, not positional
// replies, so they never enter the FIFO.
func (c *Connection) sendControl(cmd *Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateDisconnected {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return err
	}
	c.mu.Unlock()

	if err := c.writeCommand(cmd); err != nil {
		c.teardown(err, true)
		return &DisconnectedError{Err: err}
	}
	return nil
}

// Subscribe subscribes to a channel and returns its message stream.
// Subscribing to the same channel twice returns the same Subscription.
func (c *Connection) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	select {
	case <-c.ready:
	case <-c.closed:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.subs.subscribe(ctx, channel, false)
}

// PSubscribe subscribes to a glob pattern and returns its message stream.
func (c *Connection) PSubscribe(ctx context.Context, pattern string) (*Subscription, error) {
	select {
	case <-c.ready:
	case <-c.closed:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.subs.subscribe(ctx, pattern, true)
}
