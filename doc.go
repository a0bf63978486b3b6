// Package aredis is an asynchronous Redis client library.
//
// A Client owns a single pipelined connection speaking RESP2 or RESP3,
// with pub/sub subscriptions, MULTI/EXEC transactions and an optional
// RESP3 client-side cache fed by invalidation pushes. A Cluster turns the
// same machinery into a fleet of per-node connection pools with CRC16
// hash-slot dispatch, MOVED/ASK redirect recovery and background slot
// table refresh.
//
// Basic usage:
//
//	client, err := aredis.Connect(ctx, aredis.Config{Host: "localhost"})
//	if err != nil { ... }
//	defer client.Close()
//
//	err = aredis.Set(ctx, client, "greeting", "hello")
//	value, found, err := aredis.Get(ctx, client, "greeting")
//
// Arbitrary commands go through Do:
//
//	reply, err := client.Do(ctx, "ZADD", "board", 42, "player")
//
// Cluster mode differs only in construction:
//
//	cluster, err := aredis.ConnectCluster(ctx, aredis.ClusterConfig{
//		Seeds: []string{"10.0.0.1:6379"},
//	})
package aredis
