package aredis

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aredis/aredis/internal/redistest"
	"github.com/aredis/aredis/resp"
)

// kvServer is a tiny in-memory store for end-to-end wrapper tests.
type kvServer struct {
	mu      sync.Mutex
	strings map[string]string
	lists   map[string][]string
	hashes  map[string]map[string]string
}

func newKVServer() *kvServer {
	return &kvServer{
		strings: make(map[string]string),
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
	}
}

func (kv *kvServer) handle(_ *redistest.Conn, cmd string, args ...string) any {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	switch cmd {
	case "HELLO":
		return map[string]string{"proto": "3"}
	case "PING":
		return resp.SimpleString("PONG")
	case "ECHO":
		return args[0]
	case "SET":
		kv.strings[args[0]] = args[1]
		return resp.SimpleString("OK")
	case "GET":
		if v, ok := kv.strings[args[0]]; ok {
			return v
		}
		return nil
	case "DEL":
		n := 0
		for _, key := range args {
			if _, ok := kv.strings[key]; ok {
				delete(kv.strings, key)
				n++
			}
		}
		return n
	case "EXISTS":
		n := 0
		for _, key := range args {
			if _, ok := kv.strings[key]; ok {
				n++
			}
		}
		return n
	case "LPUSH":
		kv.lists[args[0]] = append(args[1:], kv.lists[args[0]]...)
		return len(kv.lists[args[0]])
	case "RPOP":
		l := kv.lists[args[0]]
		if len(l) == 0 {
			return nil
		}
		last := l[len(l)-1]
		kv.lists[args[0]] = l[:len(l)-1]
		return last
	case "LLEN":
		return len(kv.lists[args[0]])
	case "HSET":
		if kv.hashes[args[0]] == nil {
			kv.hashes[args[0]] = make(map[string]string)
		}
		_, existed := kv.hashes[args[0]][args[1]]
		kv.hashes[args[0]][args[1]] = args[2]
		if existed {
			return 0
		}
		return 1
	case "HGETALL":
		return kv.hashes[args[0]]
	}
	return resp.Error("ERR unknown command '" + cmd + "'")
}

func kvClient(t *testing.T, s *redistest.Server, cfg Config) *Client {
	t.Helper()
	cfg.Host, cfg.Port = s.Host, s.Port
	client, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// SET/GET/DEL/EXISTS round-trip through the typed wrappers.
func TestClientSetGetDel(t *testing.T) {
	s := redistest.StartServer(t, 2, newKVServer().handle)
	defer s.Close()
	client := kvClient(t, s, Config{})

	ctx := context.Background()
	require.NoError(t, Set(ctx, client, "xyz", "test"))

	value, found, err := Get(ctx, client, "xyz")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "test", value)

	n, err := Del(ctx, client, "xyz")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = Exists(ctx, client, "xyz")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, found, err = Get(ctx, client, "xyz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClientListOps(t *testing.T) {
	s := redistest.StartServer(t, 2, newKVServer().handle)
	defer s.Close()
	client := kvClient(t, s, Config{})

	ctx := context.Background()
	n, err := LPush(ctx, client, "L", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = LLen(ctx, client, "L")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, found, err := RPop(ctx, client, "L")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", v)

	n, err = LLen(ctx, client, "L")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// HGETALL lands in the same Go map whether the server speaks RESP2
// (flat array) or RESP3 (map reply).
func TestClientHGetAllBothProtocols(t *testing.T) {
	for _, proto := range []int{2, 3} {
		kv := newKVServer()
		s := redistest.StartServer(t, proto, kv.handle)

		cfg := Config{}
		if proto == 3 {
			cfg.Protocol = ProtocolRESP3
			cfg.HashRefs = true
		}
		client := kvClient(t, s, cfg)

		ctx := context.Background()
		_, err := HSet(ctx, client, "h", "f1", "v1")
		require.NoError(t, err)
		_, err = HSet(ctx, client, "h", "f2", "v2")
		require.NoError(t, err)

		m, err := HGetAll(ctx, client, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, m, "proto %d", proto)

		client.Close()
		s.Close()
	}
}

func TestClientStatsCounters(t *testing.T) {
	s := redistest.StartServer(t, 2, newKVServer().handle)
	defer s.Close()
	client := kvClient(t, s, Config{})

	ctx := context.Background()
	require.NoError(t, Set(ctx, client, "a", "1"))
	_, _, _ = Get(ctx, client, "a")
	_, err := client.Do(ctx, "BOGUS")
	require.Error(t, err)

	stats := client.Stats()
	assert.Equal(t, uint64(3), stats.Commands)
	assert.Equal(t, uint64(1), stats.Errors)
}

func TestClientConnectURI(t *testing.T) {
	s := redistest.StartServer(t, 2, newKVServer().handle)
	defer s.Close()

	client, err := Connect(context.Background(), Config{
		URI: "redis://" + s.Addr,
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, Set(context.Background(), client, "k", "v"))
}

func TestClientDoMulti(t *testing.T) {
	s := redistest.StartServer(t, 2, newKVServer().handle)
	defer s.Close()
	client := kvClient(t, s, Config{})

	replies, errs, err := client.DoMulti(context.Background(),
		NewCommand("SET", "a", "1"),
		NewCommand("GET", "a"),
		NewCommand("ECHO", "x"),
	)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	for _, e := range errs {
		require.NoError(t, e)
	}
	assert.Equal(t, "OK", replies[0].Text())
	assert.Equal(t, "1", replies[1].Text())
	assert.Equal(t, "x", replies[2].Text())
}
