package aredis

import (
	"context"
	"fmt"

	"github.com/aredis/aredis/resp"
)

// Client is a single-node client: one pipelined connection per client,
// plus a second connection for cache invalidation pushes when the
// client-side cache is enabled. The caller reconnects by building a new
// Client; there is no automatic reconnect in single-node mode.
type Client struct {
	cfg  Config
	conn *Connection

	cache     *clientCache
	cacheConn *Connection

	stats *clientStatsCollector
}

// Connect dials the server and runs the connection handshake. With
// ClientSideCacheSize > 0 (RESP3 only) it also opens the invalidation
// connection and redirects tracking notifications to it.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:   cfg,
		conn:  conn,
		stats: newClientStatsCollector(),
	}

	if cfg.ClientSideCacheSize > 0 {
		if err := c.setupCache(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// setupCache opens the invalidation connection, learns its client id and
// points CLIENT TRACKING redirection at it.
func (c *Client) setupCache(ctx context.Context) error {
	invCfg := c.cfg
	invCfg.ClientSideCacheSize = 0
	if invCfg.ClientName != "" {
		invCfg.ClientName += ":invalidation"
	}

	invConn, err := Dial(ctx, invCfg)
	if err != nil {
		return fmt.Errorf("aredis: invalidation connection: %w", err)
	}

	idReply, err := invConn.Do(ctx, NewCommand("CLIENT", "ID"))
	if err != nil {
		invConn.Close()
		return err
	}
	id, err := idReply.Int64()
	if err != nil {
		invConn.Close()
		return &ProtocolError{Err: fmt.Errorf("CLIENT ID reply: %w", err)}
	}

	cache := newClientCache(c.cfg.ClientSideCacheSize)
	invConn.onPush = cache.handleInvalidate

	if _, err := c.conn.Do(ctx, NewCommand("CLIENT", "TRACKING", "ON", "REDIRECT", id)); err != nil {
		invConn.Close()
		return err
	}

	c.cache = cache
	c.cacheConn = invConn
	return nil
}

// Do builds a command from args and executes it. Cacheable read commands
// are served from the client-side cache when it is enabled.
func (c *Client) Do(ctx context.Context, args ...any) (*resp.Reply, error) {
	return c.DoCmd(ctx, NewCommand(args...))
}

// DoCmd executes a prepared command.
func (c *Client) DoCmd(ctx context.Context, cmd *Command) (*resp.Reply, error) {
	c.stats.recordCommand()

	var reply *resp.Reply
	var err error
	if c.cache != nil {
		reply, err = c.cache.doCached(ctx, cmd, c.conn.Do)
	} else {
		reply, err = c.conn.Do(ctx, cmd)
	}
	if err != nil {
		c.stats.recordError()
	}
	return reply, err
}

// DoMulti pipelines a batch of commands in one write.
func (c *Client) DoMulti(ctx context.Context, cmds ...*Command) ([]*resp.Reply, []error, error) {
	for range cmds {
		c.stats.recordCommand()
	}
	return c.conn.DoMulti(ctx, cmds...)
}

// Multi runs body in a MULTI/EXEC window on the client's connection.
func (c *Client) Multi(ctx context.Context, body func(tx *Tx) error) ([]*resp.Reply, error) {
	replies, err := c.conn.Multi(ctx, body)
	c.stats.recordTransaction()
	if err != nil {
		c.stats.recordError()
	}
	return replies, err
}

// Subscribe subscribes to a channel on the client's connection.
func (c *Client) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	c.stats.recordSubscription()
	return c.conn.Subscribe(ctx, channel)
}

// PSubscribe subscribes to a glob pattern.
func (c *Client) PSubscribe(ctx context.Context, pattern string) (*Subscription, error) {
	c.stats.recordSubscription()
	return c.conn.PSubscribe(ctx, pattern)
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *Connection {
	return c.conn
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// CacheStats returns client-side cache counters; the zero value when the
// cache is disabled.
func (c *Client) CacheStats() CacheStats {
	if c.cache == nil {
		return CacheStats{}
	}
	return c.cache.stats()
}

// Close closes the connection(s). Pending requests fail with a disconnect
// error.
func (c *Client) Close() error {
	if c.cacheConn != nil {
		c.cacheConn.Close()
	}
	return c.conn.Close()
}
