package aredis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aredis/aredis/internal/redistest"
	"github.com/aredis/aredis/resp"
)

func TestCacheLRUBound(t *testing.T) {
	cc := newClientCache(2)
	r := &resp.Reply{Type: resp.TypeBulkString, Str: []byte("v")}

	cc.put(1, "a", r)
	cc.put(2, "b", r)
	cc.put(3, "c", r)

	assert.Equal(t, 2, cc.stats().Entries)
	_, ok := cc.get(1)
	assert.False(t, ok, "oldest entry must be evicted")
	_, ok = cc.get(3)
	assert.True(t, ok)
}

func TestCacheLRUTouchOnGet(t *testing.T) {
	cc := newClientCache(2)
	r := &resp.Reply{Type: resp.TypeBulkString, Str: []byte("v")}

	cc.put(1, "a", r)
	cc.put(2, "b", r)
	cc.get(1) // refresh a
	cc.put(3, "c", r)

	_, ok := cc.get(1)
	assert.True(t, ok, "recently used entry survives")
	_, ok = cc.get(2)
	assert.False(t, ok)
}

func TestCacheInvalidateKey(t *testing.T) {
	cc := newClientCache(10)
	r := &resp.Reply{Type: resp.TypeBulkString, Str: []byte("v")}

	// two fingerprints over the same key, one over another
	cc.put(1, "k", r)
	cc.put(2, "k", r)
	cc.put(3, "other", r)

	cc.handleInvalidate(&resp.Reply{Type: resp.TypePush, Elems: []*resp.Reply{
		{Type: resp.TypeBulkString, Str: []byte("invalidate")},
		{Type: resp.TypeArray, Elems: []*resp.Reply{
			{Type: resp.TypeBulkString, Str: []byte("k")},
		}},
	}})

	_, ok := cc.get(1)
	assert.False(t, ok)
	_, ok = cc.get(2)
	assert.False(t, ok)
	_, ok = cc.get(3)
	assert.True(t, ok, "unrelated key survives")
}

func TestCacheInvalidateFlushAll(t *testing.T) {
	cc := newClientCache(10)
	r := &resp.Reply{Type: resp.TypeBulkString, Str: []byte("v")}
	cc.put(1, "a", r)
	cc.put(2, "b", r)

	// a nil key list means flush everything
	cc.handleInvalidate(&resp.Reply{Type: resp.TypePush, Elems: []*resp.Reply{
		{Type: resp.TypeBulkString, Str: []byte("invalidate")},
		{Type: resp.TypeBulkString, Nil: true},
	}})

	assert.Equal(t, 0, cc.stats().Entries)
}

func TestFingerprintDistinguishesArgs(t *testing.T) {
	assert.NotEqual(t,
		fingerprint(NewCommand("LRANGE", "k", 0, -1)),
		fingerprint(NewCommand("LRANGE", "k", 0, 5)))
	assert.NotEqual(t,
		fingerprint(NewCommand("GET", "k")),
		fingerprint(NewCommand("STRLEN", "k")))
	assert.Equal(t,
		fingerprint(NewCommand("get", "k")),
		fingerprint(NewCommand("GET", "k")), "keyword is normalized")
}

// cacheServer serves a RESP3 store with tracking bookkeeping.
type cacheServer struct {
	mu       sync.Mutex
	invConns map[int64]*redistest.Conn
	nextID   int64
	getCalls atomic.Int32
	getDelay time.Duration
}

func newCacheServer() *cacheServer {
	return &cacheServer{invConns: make(map[int64]*redistest.Conn)}
}

func (cs *cacheServer) handle(c *redistest.Conn, cmd string, args ...string) any {
	switch cmd {
	case "HELLO":
		return map[string]string{"proto": "3"}
	case "CLIENT":
		switch args[0] {
		case "ID":
			cs.mu.Lock()
			cs.nextID++
			id := cs.nextID
			cs.invConns[id] = c
			cs.mu.Unlock()
			return int(id)
		case "TRACKING":
			return resp.SimpleString("OK")
		}
	case "GET":
		cs.getCalls.Add(1)
		if cs.getDelay > 0 {
			time.Sleep(cs.getDelay)
		}
		return "cached-value"
	case "SET":
		return resp.SimpleString("OK")
	}
	return resp.Error("ERR unknown command '" + cmd + "'")
}

// invalidate pushes an invalidation frame for key to every registered
// invalidation connection.
func (cs *cacheServer) invalidate(key string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, c := range cs.invConns {
		_ = c.Send(resp.Push{"invalidate", []any{key}})
	}
}

func cacheClient(t *testing.T, s *redistest.Server, size int) *Client {
	t.Helper()
	client, err := Connect(context.Background(), Config{
		Host:                s.Host,
		Port:                s.Port,
		Protocol:            ProtocolRESP3,
		ClientSideCacheSize: size,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCacheHit(t *testing.T) {
	cs := newCacheServer()
	s := redistest.StartServer(t, 3, cs.handle)
	defer s.Close()
	client := cacheClient(t, s, 100)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		value, found, err := Get(ctx, client, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "cached-value", value)
	}
	assert.Equal(t, int32(1), cs.getCalls.Load(), "only the first GET reaches the server")

	stats := client.CacheStats()
	assert.Equal(t, uint64(4), stats.Hits)
}

// N concurrent misses for one fingerprint cause exactly one server GET.
func TestCacheCoalescing(t *testing.T) {
	cs := newCacheServer()
	cs.getDelay = 100 * time.Millisecond
	s := redistest.StartServer(t, 3, cs.handle)
	defer s.Close()
	client := cacheClient(t, s, 100)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, _, err := Get(ctx, client, "k")
			assert.NoError(t, err)
			assert.Equal(t, "cached-value", value)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), cs.getCalls.Load())
}

// After an invalidation push the next read misses and re-fetches.
func TestCacheInvalidationRefetch(t *testing.T) {
	cs := newCacheServer()
	s := redistest.StartServer(t, 3, cs.handle)
	defer s.Close()
	client := cacheClient(t, s, 100)

	ctx := context.Background()
	_, _, err := Get(ctx, client, "k")
	require.NoError(t, err)
	require.Equal(t, int32(1), cs.getCalls.Load())

	cs.invalidate("k")

	assert.Eventually(t, func() bool {
		_, _, err := Get(ctx, client, "k")
		require.NoError(t, err)
		return cs.getCalls.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

// Commands off the allowlist bypass the cache entirely.
func TestCacheBypassForWrites(t *testing.T) {
	cs := newCacheServer()
	s := redistest.StartServer(t, 3, cs.handle)
	defer s.Close()
	client := cacheClient(t, s, 100)

	ctx := context.Background()
	require.NoError(t, Set(ctx, client, "k", "v"))
	require.NoError(t, Set(ctx, client, "k", "v"))
	assert.Equal(t, uint64(0), client.CacheStats().Hits)
}
