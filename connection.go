package aredis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aredis/aredis/resp"
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateSubscribed
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// result carries a resolved reply or its error to a waiting caller.
type result struct {
	reply *resp.Reply
	err   error
}

// pendingRequest is one in-flight command. The queue order equals wire
// order equals reply order: the server is strict FIFO per connection,
// except for out-of-band push frames.
type pendingRequest struct {
	keyword  string
	ch       chan result // buffered, the reader never blocks on it
	issuedAt time.Time
	counted  bool        // holds a pipeline window slot
	discard  atomic.Bool // caller gave up, drop the reply silently
}

// Connection owns one TCP byte stream, an encoder/decoder pair, the FIFO of
// pending requests, the subscription registry and, when enabled, a
// client-side cache hook. It is safe for concurrent use; commands from
// concurrent goroutines are pipelined on the single stream.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	conn net.Conn
	dec  *resp.Decoder

	// writeMu serializes encode+enqueue+flush so that queue order always
	// matches wire order.
	writeMu sync.Mutex
	bw      *bufio.Writer

	mu       sync.Mutex
	state    ConnState
	pending  []*pendingRequest
	closeErr error

	// window is the pipeline-depth semaphore. Commands inside an open
	// MULTI bypass it: they are already committed to the server.
	window chan struct{}

	subs *subscriptionRegistry

	// onPush, when set, receives invalidate push frames (client-side
	// cache redirection target).
	onPush func(*resp.Reply)

	// txMu serializes transactions on this connection (the pending-tx
	// queue: a new MULTI waits for all predecessors). curTx is the open
	// transaction; commands sent while it is set join it with deferred
	// results.
	txMu  sync.Mutex
	curTx atomic.Pointer[Tx]

	proto  int // negotiated protocol version
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once

	userClosed atomic.Bool
}

// Dial opens a TCP connection and performs the connection handshake:
// HELLO negotiation when RESP3 is requested (with RESP2 fallback), then
// AUTH, CLIENT SETNAME and SELECT as configured. The context bounds the
// whole sequence.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	nc, err := cfg.Dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, err
	}
	c := newConnection(nc, cfg)

	if err := c.handshake(ctx); err != nil {
		c.teardown(err, false)
		return nil, err
	}

	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateReady
	}
	c.mu.Unlock()
	close(c.ready)
	return c, nil
}

func newConnection(nc net.Conn, cfg Config) *Connection {
	var bw *bufio.Writer
	if cfg.StreamWriteLen > 0 {
		bw = bufio.NewWriterSize(nc, cfg.StreamWriteLen)
	} else {
		bw = bufio.NewWriter(nc)
	}

	c := &Connection{
		cfg:    cfg,
		logger: cfg.Logger,
		conn:   nc,
		dec:    resp.NewDecoderSize(nc, cfg.StreamReadLen, cfg.MaxBulkLen),
		bw:     bw,
		state:  StateConnecting,
		window: make(chan struct{}, cfg.PipelineDepth),
		proto:  cfg.protoVersion(),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	c.subs = newSubscriptionRegistry(c)
	go c.readLoop()
	return c
}

// handshake runs the post-connect command sequence on the not-yet-ready
// connection.
func (c *Connection) handshake(ctx context.Context) error {
	if c.cfg.protoVersion() == 3 {
		args := []any{"HELLO", "3"}
		if c.cfg.Auth != "" {
			args = append(args, "AUTH", "default", c.cfg.Auth)
		}
		if c.cfg.ClientName != "" {
			args = append(args, "SETNAME", c.cfg.ClientName)
		}
		_, err := c.do(ctx, NewCommand(args...), false)
		switch {
		case err == nil:
			c.proto = 3
		case isRedisErr(err):
			// pre-RESP3 server: fall back and configure piecewise
			c.proto = 2
			if err := c.authAndName(ctx); err != nil {
				return err
			}
		default:
			return err
		}
	} else {
		c.proto = 2
		if err := c.authAndName(ctx); err != nil {
			return err
		}
	}

	if c.cfg.Database != 0 {
		if _, err := c.do(ctx, NewCommand("SELECT", c.cfg.Database), false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) authAndName(ctx context.Context) error {
	if c.cfg.Auth != "" {
		if _, err := c.do(ctx, NewCommand("AUTH", c.cfg.Auth), false); err != nil {
			return err
		}
	}
	if c.cfg.ClientName != "" {
		if _, err := c.do(ctx, NewCommand("CLIENT", "SETNAME", c.cfg.ClientName), false); err != nil {
			return err
		}
	}
	return nil
}

func isRedisErr(err error) bool {
	var re *RedisError
	return errors.As(err, &re)
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Proto returns the negotiated protocol version, 2 or 3.
func (c *Connection) Proto() int {
	return c.proto
}

// RemoteAddr returns the server address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Do sends a command and waits for its reply. Error replies from the
// server are returned as *RedisError. Concurrent calls are pipelined;
// within one connection, reply order matches send order.
//
// Cancelling ctx abandons the wait but cannot recall the command: the
// entry stays in the queue and its reply is discarded on arrival.
func (c *Connection) Do(ctx context.Context, cmd *Command) (*resp.Reply, error) {
	select {
	case <-c.ready:
	case <-c.closed:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// a command issued while a MULTI window is open joins the
	// transaction; its reply is the matching EXEC slot
	if tx := c.curTx.Load(); tx != nil {
		fut, err := tx.Do(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return fut.Result(ctx)
	}
	return c.do(ctx, cmd, true)
}

func (c *Connection) do(ctx context.Context, cmd *Command, counted bool) (*resp.Reply, error) {
	if err := c.gate(cmd); err != nil {
		return nil, err
	}

	if counted {
		select {
		case c.window <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, c.closedErr()
		}
	}

	req, err := c.send(cmd, counted)
	if err != nil {
		// nothing was enqueued, give the window slot back ourselves
		if counted {
			<-c.window
		}
		return nil, err
	}
	return c.wait(ctx, req)
}

// gate rejects non-pub/sub commands while subscribed on RESP2. On RESP3
// push frames are demultiplexable, so regular commands stay permitted.
func (c *Connection) gate(cmd *Command) error {
	if c.proto >= 3 {
		return nil
	}
	if c.subs.engaged() && !cmd.IsPubSubControl() {
		return ErrPubSubMode
	}
	return nil
}

// send encodes the command, appends the pending entry and flushes, all
// under the write lock so queue order equals wire order. It errors only
// when nothing was enqueued; a write failure tears the connection down,
// which resolves the already-enqueued entry with the disconnect error.
func (c *Connection) send(cmd *Command, counted bool) (*pendingRequest, error) {
	req := &pendingRequest{
		keyword:  cmd.Keyword(),
		ch:       make(chan result, 1),
		issuedAt: time.Now(),
		counted:  counted,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateDisconnected {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, err
	}
	c.pending = append(c.pending, req)
	c.mu.Unlock()

	if err := c.writeCommand(cmd); err != nil {
		c.teardown(err, true)
	}
	return req, nil
}

// writeCommand writes one encoded command. Callers hold writeMu.
func (c *Connection) writeCommand(cmd *Command) error {
	if err := resp.WriteCommand(c.bw, cmd.Args()...); err != nil {
		return err
	}
	return c.bw.Flush()
}

// writeCommands writes a batch of commands with a single flush.
// Callers hold writeMu.
func (c *Connection) writeCommands(cmds []*Command) error {
	for _, cmd := range cmds {
		if err := resp.WriteCommand(c.bw, cmd.Args()...); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

func (c *Connection) wait(ctx context.Context, req *pendingRequest) (*resp.Reply, error) {
	select {
	case res := <-req.ch:
		return res.reply, res.err
	case <-ctx.Done():
		// the wire protocol has no cancel: leave the entry queued, its
		// reply is dropped when it arrives
		req.discard.Store(true)
		return nil, ctx.Err()
	}
}

// DoMulti sends a batch of commands in one write and waits for every
// reply. Replies are positional; individual error replies surface in the
// errs slice without failing the batch.
func (c *Connection) DoMulti(ctx context.Context, cmds ...*Command) ([]*resp.Reply, []error, error) {
	select {
	case <-c.ready:
	case <-c.closed:
		return nil, nil, c.closedErr()
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	for _, cmd := range cmds {
		if err := c.gate(cmd); err != nil {
			return nil, nil, err
		}
	}

	counted := c.curTx.Load() == nil
	acquired := 0
	if counted {
		for range cmds {
			select {
			case c.window <- struct{}{}:
				acquired++
			case <-ctx.Done():
				c.drainWindow(acquired)
				return nil, nil, ctx.Err()
			case <-c.closed:
				c.drainWindow(acquired)
				return nil, nil, c.closedErr()
			}
		}
	}

	reqs, err := c.sendBatch(cmds, counted)
	if err != nil {
		// nothing was enqueued
		c.drainWindow(acquired)
		return nil, nil, err
	}

	replies := make([]*resp.Reply, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		replies[i], errs[i] = c.wait(ctx, req)
		if errs[i] != nil && ctx.Err() != nil {
			// abandon the rest, their entries stay queued
			for j := i + 1; j < len(reqs); j++ {
				reqs[j].discard.Store(true)
				errs[j] = ctx.Err()
			}
			break
		}
	}
	return replies, errs, nil
}

func (c *Connection) drainWindow(n int) {
	for i := 0; i < n; i++ {
		<-c.window
	}
}

func (c *Connection) sendBatch(cmds []*Command, counted bool) ([]*pendingRequest, error) {
	reqs := make([]*pendingRequest, len(cmds))
	now := time.Now()
	for i, cmd := range cmds {
		reqs[i] = &pendingRequest{
			keyword:  cmd.Keyword(),
			ch:       make(chan result, 1),
			issuedAt: now,
			counted:  counted,
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateDisconnected {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, err
	}
	c.pending = append(c.pending, reqs...)
	c.mu.Unlock()

	if err := c.writeCommands(cmds); err != nil {
		// teardown resolves every enqueued entry with the failure
		c.teardown(err, true)
	}
	return reqs, nil
}

// Ping checks liveness of the connection.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, NewCommand("PING"))
	return err
}

// PendingCount returns the number of in-flight requests.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// readLoop is the single reader: it decodes frames and routes them to the
// pending queue, the subscription registry or the push hook.
func (c *Connection) readLoop() {
	for {
		reply, err := c.dec.Decode()
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				c.teardown(io.EOF, true)
			} else {
				c.logger.Warn("aredis: protocol failure, closing connection", "err", err)
				c.teardown(wrapDecodeErr(err), true)
			}
			return
		}
		c.dispatch(reply)
	}
}

func (c *Connection) dispatch(reply *resp.Reply) {
	if kind, ok := pubsubFrameKind(reply); ok {
		if kind == "invalidate" {
			// only ever a genuine push; an array reply that merely looks
			// like one belongs to the pending queue
			if reply.IsPush() {
				if c.onPush != nil {
					c.onPush(reply)
				} else {
					c.logger.Debug("aredis: dropping invalidate push, no cache attached")
				}
				return
			}
		} else if reply.IsPush() || (c.proto == 2 && c.subs.engaged()) {
			// RESP3 delivers pub/sub traffic exclusively as push frames;
			// the array heuristic exists for RESP2 subscriber mode
			c.subs.dispatch(kind, reply)
			return
		}
	}

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		// protocol anomaly: a reply nobody asked for
		c.logger.Warn("aredis: unsolicited reply dropped", "reply", reply.String())
		return
	}
	req := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	if req.counted {
		<-c.window
	}

	if req.discard.Load() {
		return
	}
	if reply.IsError() {
		req.ch <- result{err: &RedisError{Message: string(reply.Str)}}
		return
	}
	req.ch <- result{reply: reply}
}

// pubsubFrameKind classifies a frame that may belong to the subscription
// or invalidation machinery. It matches push frames and, for RESP2, 3- or
// 4-element arrays led by a known pub/sub event name.
func pubsubFrameKind(reply *resp.Reply) (string, bool) {
	switch reply.Type {
	case resp.TypePush:
	case resp.TypeArray:
		if reply.Nil || len(reply.Elems) < 3 || len(reply.Elems) > 4 {
			return "", false
		}
	default:
		return "", false
	}
	if len(reply.Elems) == 0 {
		return "", false
	}
	first := reply.Elems[0]
	if first.Type != resp.TypeBulkString && first.Type != resp.TypeSimpleString {
		return "", false
	}
	kind := string(bytes.ToLower(first.Str))
	switch kind {
	case "message", "pmessage", "subscribe", "psubscribe",
		"unsubscribe", "punsubscribe", "invalidate":
		return kind, true
	}
	return "", false
}

// Close shuts the connection down. Pending requests fail with a
// disconnect error and subscription sinks are completed. The on-disconnect
// hook is not invoked for a caller-initiated close.
func (c *Connection) Close() error {
	c.userClosed.Store(true)
	c.teardown(ErrConnectionClosed, false)
	return nil
}

func (c *Connection) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnectionClosed
}

// teardown closes the stream, fails every pending request and completes
// every subscription sink. Idempotent.
func (c *Connection) teardown(cause error, emitEvent bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.closeErr = failureError(cause)
		pend := c.pending
		c.pending = nil
		c.mu.Unlock()

		close(c.closed)
		_ = c.conn.Close()

		failure := failureError(cause)
		for _, req := range pend {
			if req.counted {
				<-c.window
			}
			if !req.discard.Load() {
				req.ch <- result{err: failure}
			}
		}

		c.subs.closeAll(failure)

		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		if emitEvent && !c.userClosed.Load() && c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(failure)
		}
	})
}

// failureError normalizes a teardown cause into the error every pending
// request is failed with.
func failureError(cause error) error {
	switch {
	case cause == nil, errors.Is(cause, ErrConnectionClosed):
		return ErrConnectionClosed
	case errors.Is(cause, io.EOF):
		return &DisconnectedError{}
	}
	var pe *ProtocolError
	if errors.As(cause, &pe) {
		return cause
	}
	var de *DisconnectedError
	if errors.As(cause, &de) {
		return cause
	}
	return &DisconnectedError{Err: cause}
}
