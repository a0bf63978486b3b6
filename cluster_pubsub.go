package aredis

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ClusterSubscription merges the event streams of one pattern subscribed
// on every primary into a single composite stream.
type ClusterSubscription struct {
	pattern string
	subs    []*Subscription
	msgs    chan Message
	wg      sync.WaitGroup
}

// Pattern returns the subscribed pattern.
func (cs *ClusterSubscription) Pattern() string {
	return cs.pattern
}

// Messages returns the merged delivery stream. It is closed once every
// per-node subscription has ended.
func (cs *ClusterSubscription) Messages() <-chan Message {
	return cs.msgs
}

// Unsubscribe removes the pattern subscription from every node.
func (cs *ClusterSubscription) Unsubscribe(ctx context.Context) error {
	var g errgroup.Group
	for _, sub := range cs.subs {
		g.Go(func() error {
			return sub.Unsubscribe(ctx)
		})
	}
	return g.Wait()
}

// Subscribe subscribes to a channel on the node owning the channel's hash
// slot, over that node's dedicated subscriber connection.
func (c *Cluster) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	c.stats.recordSubscription()

	node := c.nodeForSlot(SlotString(channel))
	if node == nil {
		return nil, fmt.Errorf("%w: channel %q", ErrNoNodeForSlot, channel)
	}
	conn, err := node.pubsubConn(ctx, &c.cfg)
	if err != nil {
		return nil, err
	}
	return conn.Subscribe(ctx, channel)
}

// PSubscribe subscribes to a glob pattern on every primary and merges the
// per-node streams into one composite subscription. This is how keyspace
// watching works: patterns cannot be routed by slot, so every node
// participates.
func (c *Cluster) PSubscribe(ctx context.Context, pattern string) (*ClusterSubscription, error) {
	c.stats.recordSubscription()

	primaries := c.primaries()
	if len(primaries) == 0 {
		return nil, ErrNoNodeForSlot
	}

	cs := &ClusterSubscription{
		pattern: pattern,
		subs:    make([]*Subscription, len(primaries)),
		msgs:    make(chan Message, messageBuffer),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range primaries {
		g.Go(func() error {
			conn, err := node.pubsubConn(gctx, &c.cfg)
			if err != nil {
				return err
			}
			sub, err := conn.PSubscribe(gctx, pattern)
			if err != nil {
				return err
			}
			cs.subs[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// roll back the legs that did subscribe
		for _, sub := range cs.subs {
			if sub != nil {
				_ = sub.Unsubscribe(context.Background())
			}
		}
		return nil, err
	}

	for _, sub := range cs.subs {
		cs.wg.Add(1)
		go func() {
			defer cs.wg.Done()
			for m := range sub.Messages() {
				cs.msgs <- m
			}
		}()
	}
	go func() {
		cs.wg.Wait()
		close(cs.msgs)
	}()

	return cs, nil
}
