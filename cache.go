package aredis

import (
	"container/list"
	"context"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/aredis/aredis/resp"
)

// cacheable is the conservative allowlist of read commands whose replies
// may be served from the client-side cache. Unknown commands are never
// cached.
var cacheable = map[string]bool{
	"EXISTS":     true,
	"GET":        true,
	"GETRANGE":   true,
	"HEXISTS":    true,
	"HGET":       true,
	"HGETALL":    true,
	"HKEYS":      true,
	"HLEN":       true,
	"HMGET":      true,
	"HVALS":      true,
	"LLEN":       true,
	"LRANGE":     true,
	"SCARD":      true,
	"SISMEMBER":  true,
	"SMEMBERS":   true,
	"STRLEN":     true,
	"TTL":        true,
	"TYPE":       true,
	"ZCARD":      true,
	"ZSCORE":     true,
}

type cacheEntry struct {
	fp    uint64
	key   string
	reply *resp.Reply
}

// clientCache is the bounded client-side reply cache. Entries are keyed by
// a fingerprint of the full command and indexed by key bytes for
// invalidation. Eviction is LRU.
//
// Concurrent misses for one fingerprint coalesce through singleflight:
// exactly one request goes to the server, every waiter shares its result,
// including a failure.
type clientCache struct {
	size int

	mu      sync.Mutex
	entries map[uint64]*list.Element
	lru     *list.List // front is most recently used
	byKey   map[string]map[uint64]struct{}

	group singleflight.Group

	hits, misses, invalidations uint64
}

func newClientCache(size int) *clientCache {
	return &clientCache{
		size:    size,
		entries: make(map[uint64]*list.Element),
		lru:     list.New(),
		byKey:   make(map[string]map[uint64]struct{}),
	}
}

// fingerprint hashes the normalized keyword and every argument, separated
// by NUL. Hashing the full argument vector keeps distinct invocations
// (LRANGE k 0 -1 vs LRANGE k 0 5) apart.
func fingerprint(cmd *Command) uint64 {
	h := xxh3.New()
	_, _ = h.WriteString(cmd.Keyword())
	for _, arg := range cmd.Args()[1:] {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(arg)
	}
	return h.Sum64()
}

// get returns the cached reply for fp, refreshing its LRU position.
func (cc *clientCache) get(fp uint64) (*resp.Reply, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	el, ok := cc.entries[fp]
	if !ok {
		cc.misses++
		return nil, false
	}
	cc.lru.MoveToFront(el)
	cc.hits++
	return el.Value.(*cacheEntry).reply, true
}

// put inserts a reply, evicting from the LRU tail past the size bound.
func (cc *clientCache) put(fp uint64, key string, reply *resp.Reply) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if el, ok := cc.entries[fp]; ok {
		el.Value.(*cacheEntry).reply = reply
		cc.lru.MoveToFront(el)
		return
	}

	el := cc.lru.PushFront(&cacheEntry{fp: fp, key: key, reply: reply})
	cc.entries[fp] = el
	fps, ok := cc.byKey[key]
	if !ok {
		fps = make(map[uint64]struct{})
		cc.byKey[key] = fps
	}
	fps[fp] = struct{}{}

	for cc.lru.Len() > cc.size {
		cc.evict(cc.lru.Back())
	}
}

// evict removes one entry. Callers hold cc.mu.
func (cc *clientCache) evict(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	cc.lru.Remove(el)
	delete(cc.entries, entry.fp)
	if fps, ok := cc.byKey[entry.key]; ok {
		delete(fps, entry.fp)
		if len(fps) == 0 {
			delete(cc.byKey, entry.key)
		}
	}
}

// invalidateKey evicts every fingerprint whose key bytes equal key.
func (cc *clientCache) invalidateKey(key string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.invalidations++
	for fp := range cc.byKey[key] {
		if el, ok := cc.entries[fp]; ok {
			cc.evict(el)
		}
	}
}

// flush drops every entry; an invalidation push with an empty key list
// means the server asked for a full flush.
func (cc *clientCache) flush() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.invalidations++
	cc.entries = make(map[uint64]*list.Element)
	cc.byKey = make(map[string]map[uint64]struct{})
	cc.lru.Init()
}

// handleInvalidate processes an `invalidate` push frame from the
// invalidation connection: [invalidate, [key, ...]] or [invalidate, nil].
func (cc *clientCache) handleInvalidate(push *resp.Reply) {
	if len(push.Elems) < 2 {
		cc.flush()
		return
	}
	keys := push.Elems[1]
	if keys.IsNil() || len(keys.Elems) == 0 {
		cc.flush()
		return
	}
	for _, k := range keys.Elems {
		cc.invalidateKey(string(k.Bytes()))
	}
}

// doCached serves cmd from the cache or performs it through fetch,
// coalescing concurrent misses per fingerprint.
func (cc *clientCache) doCached(ctx context.Context, cmd *Command, fetch func(context.Context, *Command) (*resp.Reply, error)) (*resp.Reply, error) {
	key, ok := cmd.Key()
	if !ok || !cacheable[cmd.Keyword()] {
		return fetch(ctx, cmd)
	}

	fp := fingerprint(cmd)
	if reply, ok := cc.get(fp); ok {
		return reply, nil
	}

	v, err, _ := cc.group.Do(strconv.FormatUint(fp, 16), func() (any, error) {
		reply, err := fetch(ctx, cmd)
		if err != nil {
			return nil, err
		}
		cc.put(fp, string(key), reply)
		return reply, nil
	})
	if err != nil {
		// a coalesced failure propagates to every waiter
		return nil, err
	}
	return v.(*resp.Reply), nil
}

// CacheStats is a snapshot of client-side cache counters.
type CacheStats struct {
	Size          int
	Entries       int
	Hits          uint64
	Misses        uint64
	Invalidations uint64
}

func (cc *clientCache) stats() CacheStats {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return CacheStats{
		Size:          cc.size,
		Entries:       cc.lru.Len(),
		Hits:          cc.hits,
		Misses:        cc.misses,
		Invalidations: cc.invalidations,
	}
}
