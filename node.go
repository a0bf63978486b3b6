package aredis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/aredis/aredis/resp"
)

// Node is one cluster primary with its replicas, its connection pool and
// its lazily built, memoized pub/sub connection.
type Node struct {
	ID       string
	Addr     string // "host:port"
	Replicas []string

	pool Pool
	cb   CircuitBreaker

	mu     sync.Mutex
	pubsub *Connection // dedicated subscriber connection, built on demand
	closed bool
}

func newNode(id, addr string, replicas []string, cfg *ClusterConfig) (*Node, error) {
	connCfg, err := nodeConnConfig(cfg.Conn, addr)
	if err != nil {
		return nil, err
	}

	pool, err := NewPuddlePool(func(ctx context.Context) (*Connection, error) {
		return Dial(ctx, connCfg)
	}, cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:       id,
		Addr:     addr,
		Replicas: replicas,
		pool:     pool,
	}
	if cfg.NewCircuitBreaker != nil {
		n.cb = cfg.NewCircuitBreaker(addr)
	}
	return n, nil
}

func nodeConnConfig(base Config, addr string) (Config, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return base, fmt.Errorf("aredis: bad node address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return base, fmt.Errorf("aredis: bad node port %q: %w", portStr, err)
	}
	base.URI = ""
	base.Host = host
	base.Port = port
	// node connections carry no client-side cache; ClientName is kept, so
	// every node connection is named during its handshake
	base.ClientSideCacheSize = 0
	return base, nil
}

// do executes one command on this node through the circuit breaker.
func (n *Node) do(ctx context.Context, cmd *Command) (*resp.Reply, error) {
	if n.cb == nil {
		return n.doDirect(ctx, cmd)
	}
	return n.cb.Execute(func() (*resp.Reply, error) {
		return n.doDirect(ctx, cmd)
	})
}

func (n *Node) doDirect(ctx context.Context, cmd *Command) (*resp.Reply, error) {
	res, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	reply, err := res.Value().Do(ctx, cmd)
	if err != nil && ShouldCloseConnection(err) {
		res.Destroy()
	} else {
		res.Release()
	}
	return reply, err
}

// ask performs the ASK one-shot: ASKING immediately followed by the
// command on the target node, without touching the slot table.
func (n *Node) ask(ctx context.Context, cmd *Command) (*resp.Reply, error) {
	res, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	replies, errs, err := res.Value().DoMulti(ctx, NewCommand("ASKING"), cmd)
	if err != nil {
		if ShouldCloseConnection(err) {
			res.Destroy()
		} else {
			res.Release()
		}
		return nil, err
	}
	res.Release()

	if errs[0] != nil {
		return nil, errs[0]
	}
	return replies[1], errs[1]
}

// pubsubConn returns the node's dedicated subscriber connection, dialing
// it on first use and replacing it after a disconnect.
func (n *Node) pubsubConn(ctx context.Context, cfg *ClusterConfig) (*Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClientClosed
	}
	if n.pubsub != nil && n.pubsub.State() != StateDisconnected {
		return n.pubsub, nil
	}

	connCfg, err := nodeConnConfig(cfg.Conn, n.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := Dial(ctx, connCfg)
	if err != nil {
		return nil, err
	}
	n.pubsub = conn
	return conn, nil
}

func (n *Node) close() {
	n.mu.Lock()
	n.closed = true
	ps := n.pubsub
	n.pubsub = nil
	n.mu.Unlock()

	if ps != nil {
		ps.Close()
	}
	n.pool.Close()
}

// Stats returns the node's pool statistics.
func (n *Node) Stats() PoolStats {
	return n.pool.Stats()
}
