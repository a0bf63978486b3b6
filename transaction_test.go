package aredis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aredis/aredis/internal/redistest"
	"github.com/aredis/aredis/resp"
)

// txServer implements MULTI/INCR/EXEC/DISCARD with per-connection queues.
type txServer struct {
	mu        sync.Mutex
	counters  map[string]int64
	queued    map[*redistest.Conn][]string
	inMulti   map[*redistest.Conn]bool
	discards  int
	watchFail bool
}

func newTxServer() *txServer {
	return &txServer{
		counters: make(map[string]int64),
		queued:   make(map[*redistest.Conn][]string),
		inMulti:  make(map[*redistest.Conn]bool),
	}
}

func (ts *txServer) handle(c *redistest.Conn, cmd string, args ...string) any {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch cmd {
	case "MULTI":
		ts.inMulti[c] = true
		ts.queued[c] = nil
		return resp.SimpleString("OK")

	case "INCR":
		if ts.inMulti[c] {
			ts.queued[c] = append(ts.queued[c], args[0])
			return resp.SimpleString("QUEUED")
		}
		ts.counters[args[0]]++
		return int(ts.counters[args[0]])

	case "BADCMD":
		if ts.inMulti[c] {
			return resp.Error("ERR unknown command 'BADCMD'")
		}
		return resp.Error("ERR unknown command 'BADCMD'")

	case "EXEC":
		ts.inMulti[c] = false
		if ts.watchFail {
			return &resp.Reply{Type: resp.TypeArray, Nil: true}
		}
		results := make([]any, 0, len(ts.queued[c]))
		for _, key := range ts.queued[c] {
			ts.counters[key]++
			results = append(results, int(ts.counters[key]))
		}
		ts.queued[c] = nil
		return results

	case "DISCARD":
		ts.inMulti[c] = false
		ts.queued[c] = nil
		ts.discards++
		return resp.SimpleString("OK")
	}
	return resp.Error("ERR unknown command '" + cmd + "'")
}

// MULTI; INCR k; INCR k; EXEC starting from zero resolves the two
// deferred promises to 1 and 2.
func TestMultiExec(t *testing.T) {
	ts := newTxServer()
	s := redistest.StartServer(t, 2, ts.handle)
	defer s.Close()
	conn := dialTest(t, s, testConfig(s))

	ctx := context.Background()
	var fut1, fut2 *Future
	replies, err := conn.Multi(ctx, func(tx *Tx) error {
		var err error
		if fut1, err = tx.Do(ctx, NewCommand("INCR", "k")); err != nil {
			return err
		}
		fut2, err = tx.Do(ctx, NewCommand("INCR", "k"))
		return err
	})
	require.NoError(t, err)
	require.Len(t, replies, 2)

	r1, err := fut1.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Int)

	r2, err := fut2.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Int)
}

// An EXEC nil reply (WATCH conflict) fails every queued promise with the
// aborted error.
func TestMultiWatchAbort(t *testing.T) {
	ts := newTxServer()
	ts.watchFail = true
	s := redistest.StartServer(t, 2, ts.handle)
	defer s.Close()
	conn := dialTest(t, s, testConfig(s))

	ctx := context.Background()
	var fut *Future
	_, err := conn.Multi(ctx, func(tx *Tx) error {
		var err error
		fut, err = tx.Do(ctx, NewCommand("INCR", "k"))
		return err
	})
	require.ErrorIs(t, err, ErrTxAborted)

	_, err = fut.Result(ctx)
	require.ErrorIs(t, err, ErrTxAborted)
	assert.Equal(t, KindAborted, Kind(err))
}

// A body failure discards the transaction.
func TestMultiBodyErrorDiscards(t *testing.T) {
	ts := newTxServer()
	s := redistest.StartServer(t, 2, ts.handle)
	defer s.Close()
	conn := dialTest(t, s, testConfig(s))

	ctx := context.Background()
	bodyErr := errors.New("nope")
	var fut *Future
	_, err := conn.Multi(ctx, func(tx *Tx) error {
		fut, _ = tx.Do(ctx, NewCommand("INCR", "k"))
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)

	_, err = fut.Result(ctx)
	require.ErrorIs(t, err, ErrTxAborted)

	ts.mu.Lock()
	assert.Equal(t, 1, ts.discards)
	ts.mu.Unlock()

	// nothing committed
	reply, err := conn.Do(ctx, NewCommand("INCR", "k"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reply.Int)
}

// A queue-time error reply poisons the transaction and forces DISCARD.
func TestMultiQueueErrorAborts(t *testing.T) {
	ts := newTxServer()
	s := redistest.StartServer(t, 2, ts.handle)
	defer s.Close()
	conn := dialTest(t, s, testConfig(s))

	ctx := context.Background()
	_, err := conn.Multi(ctx, func(tx *Tx) error {
		_, err := tx.Do(ctx, NewCommand("BADCMD"))
		assert.Error(t, err)
		return nil // body tolerates it; the coordinator must still abort
	})
	require.ErrorIs(t, err, ErrTxAborted)

	ts.mu.Lock()
	assert.Equal(t, 1, ts.discards)
	ts.mu.Unlock()
}

// Transactions on one connection are serialized; their effects never
// interleave.
func TestMultiSerialized(t *testing.T) {
	ts := newTxServer()
	s := redistest.StartServer(t, 2, ts.handle)
	defer s.Close()
	conn := dialTest(t, s, testConfig(s))

	ctx := context.Background()
	results := make([][2]int64, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies, err := conn.Multi(ctx, func(tx *Tx) error {
				if _, err := tx.Do(ctx, NewCommand("INCR", "shared")); err != nil {
					return err
				}
				time.Sleep(20 * time.Millisecond)
				_, err := tx.Do(ctx, NewCommand("INCR", "shared"))
				return err
			})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = [2]int64{replies[0].Int, replies[1].Int}
		}(i)
	}
	wg.Wait()

	for _, pair := range results {
		assert.Equal(t, pair[0]+1, pair[1], "transaction effects interleaved: %v", results)
	}
}

// A plain Do issued while a MULTI window is open joins the transaction
// and resolves with its EXEC slot.
func TestDoJoinsOpenMulti(t *testing.T) {
	ts := newTxServer()
	s := redistest.StartServer(t, 2, ts.handle)
	defer s.Close()
	conn := dialTest(t, s, testConfig(s))

	ctx := context.Background()
	joined := make(chan result, 1)
	start := make(chan struct{})

	_, err := conn.Multi(ctx, func(tx *Tx) error {
		if _, err := tx.Do(ctx, NewCommand("INCR", "k")); err != nil {
			return err
		}
		close(start)
		go func() {
			reply, err := conn.Do(ctx, NewCommand("INCR", "k"))
			joined <- result{reply: reply, err: err}
		}()
		// give the concurrent command time to enter the window
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	<-start
	select {
	case res := <-joined:
		require.NoError(t, res.err)
		// the joined INCR is second in the queue, so its EXEC slot is 2;
		// had it run standalone after EXEC it would also see 2
		assert.Equal(t, int64(2), res.reply.Int)
	case <-time.After(time.Second):
		t.Fatal("joined command never resolved")
	}
}
