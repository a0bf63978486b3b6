package aredis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aredis/aredis/resp"
)

// DefaultRefreshInterval is the period of the background CLUSTER SLOTS
// refresh.
const DefaultRefreshInterval = time.Minute

const tryAgainAttempts = 3

// ClusterConfig configures a cluster client.
type ClusterConfig struct {
	// Seeds are the bootstrap endpoints, "host:port". At least one must
	// answer CLUSTER SLOTS for construction to succeed.
	Seeds []string

	// Conn holds the per-connection settings applied to every node
	// connection (protocol, auth, buffers, pipeline depth, ...).
	Conn Config

	// PoolSize is the per-node connection pool bound, default 1: one
	// memoized pipelined connection per node.
	PoolSize int32

	// RefreshInterval is the period of the background slot table refresh.
	// Zero selects DefaultRefreshInterval, negative disables it.
	RefreshInterval time.Duration

	// NewCircuitBreaker, when set, is called once per node address to
	// create a circuit breaker guarding that node.
	NewCircuitBreaker func(addr string) CircuitBreaker
}

func (cfg ClusterConfig) withDefaults() (ClusterConfig, error) {
	if len(cfg.Seeds) == 0 {
		return cfg, fmt.Errorf("aredis: no cluster seed endpoints")
	}
	var err error
	cfg.Conn, err = cfg.Conn.withDefaults()
	if err != nil {
		return cfg, err
	}
	if cfg.Conn.ClientSideCacheSize > 0 {
		return cfg, fmt.Errorf("aredis: client-side cache is not supported in cluster mode")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return cfg, nil
}

// slotRange is one CLUSTER SLOTS entry, the binary-search fallback behind
// the direct-addressed slot cache.
type slotRange struct {
	start, end int
	addr       string
}

// slotMapping is the parsed form of one CLUSTER SLOTS reply entry.
type slotMapping struct {
	start, end int
	master     string
	masterID   string
	replicas   []string
}

// Cluster routes commands across a fleet of per-node connections using
// CRC16 hash-slot dispatch, recovering from MOVED redirects and keeping
// the slot table fresh in the background.
type Cluster struct {
	cfg    ClusterConfig
	logger *slog.Logger

	mu         sync.Mutex
	nodes      map[string]*Node // by address
	slots      []*Node          // direct-addressed, HashSlots entries
	ranges     []slotRange      // sorted by start, binary-search fallback
	refreshing bool

	// txMu serializes transactions globally per client: cluster MULTI is
	// a broadcast, two interleaved broadcasts would deadlock on the node
	// connections.
	txMu sync.Mutex

	stats *clientStatsCollector

	closed    chan struct{}
	closeOnce sync.Once
}

// ConnectCluster bootstraps a cluster client: it connects to a seed,
// fetches CLUSTER SLOTS, builds the slot table and discards the seed
// connection.
func ConnectCluster(ctx context.Context, cfg ClusterConfig) (*Cluster, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:    cfg,
		logger: cfg.Conn.Logger,
		nodes:  make(map[string]*Node),
		slots:  make([]*Node, HashSlots),
		stats:  newClientStatsCollector(),
		closed: make(chan struct{}),
	}

	var lastErr error
	for _, seed := range cfg.Seeds {
		mappings, err := c.slotsFromAddr(ctx, seed)
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.applyMappings(mappings); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return nil, fmt.Errorf("aredis: cluster bootstrap failed: %w", lastErr)
	}

	if cfg.RefreshInterval > 0 {
		go c.refreshLoop()
	}
	return c, nil
}

// slotsFromAddr opens a short-lived connection to addr, issues CLUSTER
// SLOTS and parses the reply. The connection is discarded afterwards.
func (c *Cluster) slotsFromAddr(ctx context.Context, addr string) ([]slotMapping, error) {
	connCfg, err := nodeConnConfig(c.cfg.Conn, addr)
	if err != nil {
		return nil, err
	}
	conn, err := Dial(ctx, connCfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := conn.Do(ctx, NewCommand("CLUSTER", "SLOTS"))
	if err != nil {
		return nil, err
	}
	return parseClusterSlots(reply)
}

func parseClusterSlots(reply *resp.Reply) ([]slotMapping, error) {
	if reply.Type != resp.TypeArray {
		return nil, &ProtocolError{Err: fmt.Errorf("CLUSTER SLOTS: unexpected %q reply", reply.Type)}
	}

	mappings := make([]slotMapping, 0, len(reply.Elems))
	for _, entry := range reply.Elems {
		if len(entry.Elems) < 3 {
			return nil, &ProtocolError{Err: fmt.Errorf("CLUSTER SLOTS: short entry")}
		}
		start, err := entry.Elems[0].Int64()
		if err != nil {
			return nil, &ProtocolError{Err: err}
		}
		end, err := entry.Elems[1].Int64()
		if err != nil {
			return nil, &ProtocolError{Err: err}
		}
		if start < 0 || end >= HashSlots || start > end {
			return nil, &ProtocolError{Err: fmt.Errorf("CLUSTER SLOTS: bad range %d-%d", start, end)}
		}

		sm := slotMapping{start: int(start), end: int(end)}
		for i, nodeEntry := range entry.Elems[2:] {
			addr, id, err := parseSlotNode(nodeEntry)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				sm.master = addr
				sm.masterID = id
			} else {
				sm.replicas = append(sm.replicas, addr)
			}
		}
		mappings = append(mappings, sm)
	}

	sort.Slice(mappings, func(i, j int) bool { return mappings[i].start < mappings[j].start })
	return mappings, nil
}

func parseSlotNode(entry *resp.Reply) (addr, id string, err error) {
	if len(entry.Elems) < 2 {
		return "", "", &ProtocolError{Err: fmt.Errorf("CLUSTER SLOTS: short node entry")}
	}
	host := string(entry.Elems[0].Bytes())
	port, err := entry.Elems[1].Int64()
	if err != nil {
		return "", "", &ProtocolError{Err: err}
	}
	if len(entry.Elems) > 2 {
		id = string(entry.Elems[2].Bytes())
	}
	return fmt.Sprintf("%s:%d", host, port), id, nil
}

// applyMappings swaps in a freshly parsed slot layout, reusing node
// objects (and their pools) that survive and closing the ones that left
// the cluster.
func (c *Cluster) applyMappings(mappings []slotMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := make(map[string]*Node, len(mappings))
	slots := make([]*Node, HashSlots)
	ranges := make([]slotRange, 0, len(mappings))

	for _, sm := range mappings {
		node, ok := fresh[sm.master]
		if !ok {
			if existing, had := c.nodes[sm.master]; had {
				node = existing
				node.Replicas = sm.replicas
				if sm.masterID != "" {
					node.ID = sm.masterID
				}
			} else {
				var err error
				node, err = newNode(sm.masterID, sm.master, sm.replicas, &c.cfg)
				if err != nil {
					return err
				}
			}
			fresh[sm.master] = node
		}
		for s := sm.start; s <= sm.end; s++ {
			slots[s] = node
		}
		ranges = append(ranges, slotRange{start: sm.start, end: sm.end, addr: sm.master})
	}

	// close nodes that are gone from the cluster
	for addr, node := range c.nodes {
		if _, ok := fresh[addr]; !ok {
			go node.close()
		}
	}

	c.nodes = fresh
	c.slots = slots
	c.ranges = ranges
	return nil
}

// nodeForSlot consults the flat slot cache first, then falls back to
// binary search over the sorted ranges and memoizes the answer.
func (c *Cluster) nodeForSlot(slot int) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.slots[slot]; n != nil {
		return n
	}
	i := sort.Search(len(c.ranges), func(i int) bool { return c.ranges[i].end >= slot })
	if i < len(c.ranges) && c.ranges[i].start <= slot {
		if n := c.nodes[c.ranges[i].addr]; n != nil {
			c.slots[slot] = n
			return n
		}
	}
	return nil
}

func (c *Cluster) setSlot(slot int, node *Node) {
	c.mu.Lock()
	c.slots[slot] = node
	c.mu.Unlock()
}

func (c *Cluster) nodeByAddr(addr string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[addr]
}

// primaries returns the known primary nodes sorted by node id (address as
// tie-break and fallback).
func (c *Cluster) primaries() []*Node {
	c.mu.Lock()
	nodes := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.Unlock()

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ID != nodes[j].ID {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].Addr < nodes[j].Addr
	})
	return nodes
}

func (c *Cluster) randomNode() *Node {
	nodes := c.primaries()
	if len(nodes) == 0 {
		return nil
	}
	return nodes[rand.IntN(len(nodes))]
}

// Do builds a command from args and routes it.
func (c *Cluster) Do(ctx context.Context, args ...any) (*resp.Reply, error) {
	return c.DoCmd(ctx, NewCommand(args...))
}

// DoCmd routes a command to the node owning its key's hash slot. Keyless
// commands go to an arbitrary node. MOVED redirects update the slot table
// and retry once; ASK redirects are followed one-shot; TRYAGAIN retries
// with bounded backoff.
func (c *Cluster) DoCmd(ctx context.Context, cmd *Command) (*resp.Reply, error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}
	c.stats.recordCommand()

	var node *Node
	if key, ok := cmd.Key(); ok {
		slot := Slot(key)
		node = c.nodeForSlot(slot)
		if node == nil {
			c.triggerRefresh()
			c.stats.recordError()
			return nil, fmt.Errorf("%w: slot %d", ErrNoNodeForSlot, slot)
		}
	} else {
		node = c.randomNode()
		if node == nil {
			c.stats.recordError()
			return nil, ErrNoNodeForSlot
		}
	}

	reply, err := c.execRedirects(ctx, node, cmd)
	if err != nil {
		c.stats.recordError()
	}
	return reply, err
}

func (c *Cluster) execRedirects(ctx context.Context, node *Node, cmd *Command) (*resp.Reply, error) {
	movedRetried := false
	attempts := 0

	for {
		reply, err := node.do(ctx, cmd)
		if err == nil {
			return reply, nil
		}

		if redir := ParseRedirect(err); redir != nil {
			target, terr := c.nodeForRedirect(ctx, redir.Addr)
			if terr != nil {
				return nil, errors.Join(err, terr)
			}
			if redir.Ask {
				// transient: do not touch the slot table
				return target.ask(ctx, cmd)
			}
			if movedRetried {
				// a second MOVED means the topology is churning under
				// us, surface it
				return nil, err
			}
			c.setSlot(redir.Slot, target)
			c.triggerRefresh()
			node = target
			movedRetried = true
			continue
		}

		if isTryAgain(err) {
			attempts++
			if attempts > tryAgainAttempts {
				return nil, err
			}
			if serr := sleepCtx(ctx, time.Duration(attempts)*10*time.Millisecond); serr != nil {
				return nil, serr
			}
			continue
		}

		return nil, err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nodeForRedirect resolves a redirect target. An unknown address triggers
// a concurrent CLUSTER SLOTS fan-out to every known node, adopting the
// first successful reply; if the address is still unknown afterwards, a
// node is created for it directly.
func (c *Cluster) nodeForRedirect(ctx context.Context, addr string) (*Node, error) {
	if n := c.nodeByAddr(addr); n != nil {
		return n, nil
	}

	if mappings, err := c.fanoutSlots(ctx); err == nil {
		if err := c.applyMappings(mappings); err != nil {
			return nil, err
		}
		if n := c.nodeByAddr(addr); n != nil {
			return n, nil
		}
	}

	// the redirect target is not in any CLUSTER SLOTS answer yet; trust
	// the redirect and build the node
	node, err := newNode("", addr, nil, &c.cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if existing, ok := c.nodes[addr]; ok {
		c.mu.Unlock()
		go node.close()
		return existing, nil
	}
	c.nodes[addr] = node
	c.mu.Unlock()
	return node, nil
}

// fanoutSlots queries CLUSTER SLOTS on every known node concurrently and
// returns the first successful parse.
func (c *Cluster) fanoutSlots(ctx context.Context) ([]slotMapping, error) {
	nodes := c.primaries()
	if len(nodes) == 0 {
		return nil, ErrNoNodeForSlot
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan []slotMapping, len(nodes))
	var g errgroup.Group
	for _, node := range nodes {
		g.Go(func() error {
			reply, err := node.do(ctx, NewCommand("CLUSTER", "SLOTS"))
			if err != nil {
				return err
			}
			mappings, err := parseClusterSlots(reply)
			if err != nil {
				return err
			}
			select {
			case results <- mappings:
				cancel()
			default:
			}
			return nil
		})
	}

	err := g.Wait()
	select {
	case m := <-results:
		return m, nil
	default:
	}
	if err == nil {
		err = fmt.Errorf("aredis: CLUSTER SLOTS fan-out produced no mapping")
	}
	return nil, err
}

// triggerRefresh starts a background slot table refresh unless one is
// already running.
func (c *Cluster) triggerRefresh() {
	c.mu.Lock()
	if c.refreshing {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.refreshing = false
			c.mu.Unlock()
		}()
		if err := c.Refresh(context.Background()); err != nil {
			c.logger.Warn("aredis: cluster refresh failed", "err", err)
		}
	}()
}

// Refresh re-reads CLUSTER SLOTS from the cluster and swaps in the new
// slot table.
func (c *Cluster) Refresh(ctx context.Context) error {
	mappings, err := c.fanoutSlots(ctx)
	if err != nil {
		return err
	}
	return c.applyMappings(mappings)
}

func (c *Cluster) refreshLoop() {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.Refresh(context.Background()); err != nil {
				c.logger.Warn("aredis: periodic slot refresh failed", "err", err)
			}
		}
	}
}

// SetName issues CLIENT SETNAME on every primary, best-effort: individual
// node failures are logged, not surfaced.
func (c *Cluster) SetName(ctx context.Context, name string) {
	var g errgroup.Group
	for _, node := range c.primaries() {
		g.Go(func() error {
			if _, err := node.do(ctx, NewCommand("CLIENT", "SETNAME", name)); err != nil {
				c.logger.Debug("aredis: CLIENT SETNAME failed", "node", node.Addr, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stats returns cluster-level command counters.
func (c *Cluster) Stats() ClientStats {
	return c.stats.snapshot()
}

// NodeStats returns per-node pool statistics keyed by node address.
func (c *Cluster) NodeStats() map[string]PoolStats {
	out := make(map[string]PoolStats)
	for _, n := range c.primaries() {
		out[n.Addr] = n.Stats()
	}
	return out
}

// Close shuts down every node pool and the background refresh.
func (c *Cluster) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		nodes := c.nodes
		c.nodes = make(map[string]*Node)
		c.slots = make([]*Node, HashSlots)
		c.ranges = nil
		c.mu.Unlock()

		for _, n := range nodes {
			n.close()
		}
	})
	return nil
}
