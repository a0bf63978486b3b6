package aredis

import (
	"context"
	"fmt"
	"sync"

	"github.com/aredis/aredis/resp"
)

// Future is the deferred reply of a command queued in a transaction. It
// resolves when EXEC or DISCARD settles the transaction.
type Future struct {
	ch chan result
}

func newFuture() *Future {
	return &Future{ch: make(chan result, 1)}
}

// Result blocks until the transaction settles and returns this command's
// slot of the EXEC reply.
func (f *Future) Result(ctx context.Context) (*resp.Reply, error) {
	select {
	case res := <-f.ch:
		// re-buffer so Result can be called again
		f.ch <- res
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(res result) {
	select {
	case f.ch <- res:
	default:
	}
}

// Tx is an open MULTI window on a connection. Commands issued through it
// are sent immediately and acknowledged with QUEUED by the server; the
// user-visible result is deferred until EXEC.
type Tx struct {
	conn *Connection

	mu      sync.Mutex
	futures []*Future
	failed  error // first queue-time error; forces DISCARD
}

// Do queues a command in the transaction and returns its deferred result.
// A queue-time error reply (arity, unknown command) poisons the
// transaction: EXEC is replaced by DISCARD.
func (tx *Tx) Do(ctx context.Context, cmd *Command) (*Future, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.failed != nil {
		return nil, tx.failed
	}

	reply, err := tx.conn.do(ctx, cmd, false)
	if err != nil {
		tx.failed = err
		return nil, err
	}
	if string(reply.Str) != "QUEUED" {
		err := &ProtocolError{Err: fmt.Errorf("expected QUEUED, got %s", reply.String())}
		tx.failed = err
		return nil, err
	}

	fut := newFuture()
	tx.futures = append(tx.futures, fut)
	return fut, nil
}

func (tx *Tx) abortAll(err error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, fut := range tx.futures {
		fut.resolve(result{err: err})
	}
}

// settle resolves every future positionally from the EXEC array.
func (tx *Tx) settle(exec *resp.Reply) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if len(exec.Elems) != len(tx.futures) {
		err := &ProtocolError{Err: fmt.Errorf(
			"EXEC returned %d replies for %d queued commands",
			len(exec.Elems), len(tx.futures))}
		for _, fut := range tx.futures {
			fut.resolve(result{err: err})
		}
		return err
	}
	for i, fut := range tx.futures {
		el := exec.Elems[i]
		if el.IsError() {
			fut.resolve(result{err: &RedisError{Message: string(el.Str)}})
		} else {
			fut.resolve(result{reply: el})
		}
	}
	return nil
}

// Multi runs body inside a MULTI/EXEC window. Transactions on one
// connection are serialized: a new MULTI waits for every predecessor to
// settle. The returned slice is the EXEC reply split positionally, in
// queue order.
//
// If body returns an error, the transaction is discarded and every queued
// future fails with ErrTxAborted. An EXEC nil reply (WATCH conflict) does
// the same.
func (c *Connection) Multi(ctx context.Context, body func(tx *Tx) error) ([]*resp.Reply, error) {
	select {
	case <-c.ready:
	case <-c.closed:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// pending-tx queue: one transaction at a time per connection
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if _, err := c.do(ctx, NewCommand("MULTI"), false); err != nil {
		return nil, err
	}

	tx := &Tx{conn: c}
	c.curTx.Store(tx)
	defer c.curTx.Store(nil)

	bodyErr := body(tx)

	tx.mu.Lock()
	failed := tx.failed
	tx.mu.Unlock()

	if bodyErr != nil || failed != nil {
		if _, err := c.do(ctx, NewCommand("DISCARD"), false); err != nil {
			c.logger.Debug("aredis: DISCARD failed", "err", err)
		}
		tx.abortAll(ErrTxAborted)
		if bodyErr != nil {
			return nil, bodyErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTxAborted, failed)
	}

	exec, err := c.do(ctx, NewCommand("EXEC"), false)
	if err != nil {
		tx.abortAll(err)
		return nil, err
	}
	if exec.IsNil() {
		// WATCH conflict: the server dropped the queued commands
		tx.abortAll(ErrTxAborted)
		return nil, ErrTxAborted
	}
	if err := tx.settle(exec); err != nil {
		return nil, err
	}
	return exec.Elems, nil
}
