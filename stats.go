package aredis

import "sync/atomic"

// ClientStats contains counters for client operations.
// All fields are safe for concurrent access.
type ClientStats struct {
	Commands      uint64 // commands dispatched
	Errors        uint64 // failed commands, any kind
	Transactions  uint64 // MULTI windows settled
	Subscriptions uint64 // subscribe operations issued
}

// clientStatsCollector updates stats without contention; snapshots are
// taken with atomic loads.
type clientStatsCollector struct {
	commands      atomic.Uint64
	errors        atomic.Uint64
	transactions  atomic.Uint64
	subscriptions atomic.Uint64
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{}
}

func (c *clientStatsCollector) recordCommand()      { c.commands.Add(1) }
func (c *clientStatsCollector) recordError()        { c.errors.Add(1) }
func (c *clientStatsCollector) recordTransaction()  { c.transactions.Add(1) }
func (c *clientStatsCollector) recordSubscription() { c.subscriptions.Add(1) }

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Commands:      c.commands.Load(),
		Errors:        c.errors.Load(),
		Transactions:  c.transactions.Load(),
		Subscriptions: c.subscriptions.Load(),
	}
}
