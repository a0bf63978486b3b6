package aredis

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aredis/aredis/resp"
)

// nodeTx is one node's leg of a broadcast transaction: an exclusively
// checked-out connection with an open MULTI window.
type nodeTx struct {
	node *Node
	res  Resource
	conn *Connection
	tx   *Tx
}

// ClusterTx is a transaction broadcast across every primary. Commands
// issued through it are routed by key to the owning node's MULTI window;
// keyless commands go to the first node in id order.
type ClusterTx struct {
	c      *Cluster
	order  []*nodeTx
	byAddr map[string]*nodeTx
}

// Do queues a command on the node owning its key's slot and returns the
// deferred result.
func (ct *ClusterTx) Do(ctx context.Context, cmd *Command) (*Future, error) {
	nt := ct.order[0]
	if key, ok := cmd.Key(); ok {
		node := ct.c.nodeForSlot(Slot(key))
		if node == nil {
			return nil, fmt.Errorf("%w: slot %d", ErrNoNodeForSlot, Slot(key))
		}
		found, ok := ct.byAddr[node.Addr]
		if !ok {
			// topology moved under an open transaction; nothing sane to
			// do but abort
			return nil, fmt.Errorf("%w: node %s joined mid-transaction", ErrTxAborted, node.Addr)
		}
		nt = found
	}
	return nt.tx.Do(ctx, cmd)
}

// Multi runs body in a transaction broadcast to every known primary in
// parallel. The per-node EXEC arrays are concatenated in node-id order.
// The transaction succeeds only if every node's EXEC succeeded; on any
// failure the whole transaction fails and no partial result is returned.
//
// Cluster transactions are serialized globally per client. The broadcast
// is a documented limitation: the window opens on every primary even when
// the body touches a single slot.
func (c *Cluster) Multi(ctx context.Context, body func(tx *ClusterTx) error) ([]*resp.Reply, error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	primaries := c.primaries()
	if len(primaries) == 0 {
		return nil, ErrNoNodeForSlot
	}

	ct := &ClusterTx{
		c:      c,
		order:  make([]*nodeTx, len(primaries)),
		byAddr: make(map[string]*nodeTx, len(primaries)),
	}

	// open a MULTI window on every primary concurrently
	var openMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range primaries {
		g.Go(func() error {
			res, err := node.pool.Acquire(gctx)
			if err != nil {
				return err
			}
			conn := res.Value()
			if _, err := conn.do(gctx, NewCommand("MULTI"), false); err != nil {
				res.Release()
				return err
			}
			nt := &nodeTx{node: node, res: res, conn: conn, tx: &Tx{conn: conn}}
			openMu.Lock()
			ct.order[i] = nt
			ct.byAddr[node.Addr] = nt
			openMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ct.discardAll(ctx, err)
		return nil, err
	}

	if err := body(ct); err != nil {
		ct.discardAll(ctx, fmt.Errorf("%w: %v", ErrTxAborted, err))
		return nil, err
	}
	for _, nt := range ct.order {
		nt.tx.mu.Lock()
		failed := nt.tx.failed
		nt.tx.mu.Unlock()
		if failed != nil {
			ct.discardAll(ctx, fmt.Errorf("%w: %v", ErrTxAborted, failed))
			return nil, fmt.Errorf("%w: %v", ErrTxAborted, failed)
		}
	}

	// EXEC everywhere in parallel
	execs := make([]*resp.Reply, len(ct.order))
	g, gctx = errgroup.WithContext(ctx)
	for i, nt := range ct.order {
		g.Go(func() error {
			reply, err := nt.conn.do(gctx, NewCommand("EXEC"), false)
			if err != nil {
				return err
			}
			if reply.IsNil() {
				return ErrTxAborted
			}
			execs[i] = reply
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// partial commit must never be observable: discard the
		// concatenated successes and fail everything
		ct.abortAll(err)
		ct.releaseAll()
		c.stats.recordTransaction()
		c.stats.recordError()
		return nil, err
	}

	var combined []*resp.Reply
	for i, nt := range ct.order {
		if err := nt.tx.settle(execs[i]); err != nil {
			ct.releaseAll()
			c.stats.recordError()
			return nil, err
		}
		combined = append(combined, execs[i].Elems...)
	}
	ct.releaseAll()
	c.stats.recordTransaction()
	return combined, nil
}

func (ct *ClusterTx) discardAll(ctx context.Context, cause error) {
	var g errgroup.Group
	for _, nt := range ct.order {
		if nt == nil {
			continue
		}
		g.Go(func() error {
			if _, err := nt.conn.do(ctx, NewCommand("DISCARD"), false); err != nil {
				ct.c.logger.Debug("aredis: DISCARD failed", "node", nt.node.Addr, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	ct.abortAll(cause)
	ct.releaseAll()
}

func (ct *ClusterTx) abortAll(cause error) {
	for _, nt := range ct.order {
		if nt != nil {
			nt.tx.abortAll(cause)
		}
	}
}

func (ct *ClusterTx) releaseAll() {
	for _, nt := range ct.order {
		if nt == nil {
			continue
		}
		if nt.conn.State() == StateDisconnected {
			nt.res.Destroy()
		} else {
			nt.res.Release()
		}
	}
}
