package aredis

import (
	"context"
	"fmt"
	"time"

	"github.com/aredis/aredis/resp"
)

// Doer executes a command and returns its reply. Client, Cluster and
// Connection all implement it; every typed wrapper below is a thin layer
// over DoCmd.
type Doer interface {
	DoCmd(ctx context.Context, cmd *Command) (*resp.Reply, error)
}

// DoCmd implements Doer on a raw connection.
func (c *Connection) DoCmd(ctx context.Context, cmd *Command) (*resp.Reply, error) {
	return c.Do(ctx, cmd)
}

func expectOK(reply *resp.Reply, err error) error {
	if err != nil {
		return err
	}
	if s := string(reply.Bytes()); s != "OK" {
		return fmt.Errorf("aredis: unexpected reply %q", s)
	}
	return nil
}

func intResult(reply *resp.Reply, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return reply.Int64()
}

func stringResult(reply *resp.Reply, err error) (string, bool, error) {
	if err != nil {
		return "", false, err
	}
	if reply.IsNil() {
		return "", false, nil
	}
	return reply.Text(), true, nil
}

// Get retrieves a key. found is false when the key does not exist.
func Get(ctx context.Context, d Doer, key string) (value string, found bool, err error) {
	return stringResult(d.DoCmd(ctx, NewCommand("GET", key)))
}

// Set stores a value under key.
func Set(ctx context.Context, d Doer, key, value string) error {
	return expectOK(d.DoCmd(ctx, NewCommand("SET", key, value)))
}

// SetEx stores a value with a TTL, rounded down to whole seconds.
func SetEx(ctx context.Context, d Doer, key, value string, ttl time.Duration) error {
	return expectOK(d.DoCmd(ctx, NewCommand("SET", key, value, "EX", int64(ttl.Seconds()))))
}

// Del removes keys, returning how many existed.
func Del(ctx context.Context, d Doer, keys ...string) (int64, error) {
	args := append([]any{"DEL"}, toAny(keys)...)
	return intResult(d.DoCmd(ctx, NewCommand(args...)))
}

// Exists counts how many of the given keys exist.
func Exists(ctx context.Context, d Doer, keys ...string) (int64, error) {
	args := append([]any{"EXISTS"}, toAny(keys)...)
	return intResult(d.DoCmd(ctx, NewCommand(args...)))
}

// Incr increments the integer value at key by one.
func Incr(ctx context.Context, d Doer, key string) (int64, error) {
	return intResult(d.DoCmd(ctx, NewCommand("INCR", key)))
}

// IncrBy increments the integer value at key by delta.
func IncrBy(ctx context.Context, d Doer, key string, delta int64) (int64, error) {
	return intResult(d.DoCmd(ctx, NewCommand("INCRBY", key, delta)))
}

// Expire sets a TTL on key; reports whether the key exists.
func Expire(ctx context.Context, d Doer, key string, ttl time.Duration) (bool, error) {
	n, err := intResult(d.DoCmd(ctx, NewCommand("EXPIRE", key, int64(ttl.Seconds()))))
	return n == 1, err
}

// LPush prepends values to a list, returning the new length.
func LPush(ctx context.Context, d Doer, key string, values ...string) (int64, error) {
	args := append([]any{"LPUSH", key}, toAny(values)...)
	return intResult(d.DoCmd(ctx, NewCommand(args...)))
}

// RPush appends values to a list, returning the new length.
func RPush(ctx context.Context, d Doer, key string, values ...string) (int64, error) {
	args := append([]any{"RPUSH", key}, toAny(values)...)
	return intResult(d.DoCmd(ctx, NewCommand(args...)))
}

// LPop pops from the head of a list.
func LPop(ctx context.Context, d Doer, key string) (string, bool, error) {
	return stringResult(d.DoCmd(ctx, NewCommand("LPOP", key)))
}

// RPop pops from the tail of a list.
func RPop(ctx context.Context, d Doer, key string) (string, bool, error) {
	return stringResult(d.DoCmd(ctx, NewCommand("RPOP", key)))
}

// LLen returns the length of a list.
func LLen(ctx context.Context, d Doer, key string) (int64, error) {
	return intResult(d.DoCmd(ctx, NewCommand("LLEN", key)))
}

// LRange returns the elements of a list between start and stop.
func LRange(ctx context.Context, d Doer, key string, start, stop int64) ([]string, error) {
	reply, err := d.DoCmd(ctx, NewCommand("LRANGE", key, start, stop))
	if err != nil {
		return nil, err
	}
	return reply.Strings()
}

// HSet sets a hash field, reporting whether it was newly created.
func HSet(ctx context.Context, d Doer, key, field, value string) (bool, error) {
	n, err := intResult(d.DoCmd(ctx, NewCommand("HSET", key, field, value)))
	return n == 1, err
}

// HGet retrieves a hash field.
func HGet(ctx context.Context, d Doer, key, field string) (string, bool, error) {
	return stringResult(d.DoCmd(ctx, NewCommand("HGET", key, field)))
}

// HGetAll retrieves a whole hash. On RESP3 the server sends a map reply,
// on RESP2 a flat array; both land in the same Go map.
func HGetAll(ctx context.Context, d Doer, key string) (map[string]string, error) {
	reply, err := d.DoCmd(ctx, NewCommand("HGETALL", key))
	if err != nil {
		return nil, err
	}
	return reply.StringMap()
}

// HDel removes hash fields, returning how many existed.
func HDel(ctx context.Context, d Doer, key string, fields ...string) (int64, error) {
	args := append([]any{"HDEL", key}, toAny(fields)...)
	return intResult(d.DoCmd(ctx, NewCommand(args...)))
}

// SAdd adds members to a set, returning how many were new.
func SAdd(ctx context.Context, d Doer, key string, members ...string) (int64, error) {
	args := append([]any{"SADD", key}, toAny(members)...)
	return intResult(d.DoCmd(ctx, NewCommand(args...)))
}

// SMembers returns every member of a set.
func SMembers(ctx context.Context, d Doer, key string) ([]string, error) {
	reply, err := d.DoCmd(ctx, NewCommand("SMEMBERS", key))
	if err != nil {
		return nil, err
	}
	return reply.Strings()
}

// Publish sends a message to a channel, returning the receiver count.
func Publish(ctx context.Context, d Doer, channel, payload string) (int64, error) {
	return intResult(d.DoCmd(ctx, NewCommand("PUBLISH", channel, payload)))
}

// Echo round-trips a message.
func Echo(ctx context.Context, d Doer, message string) (string, error) {
	reply, err := d.DoCmd(ctx, NewCommand("ECHO", message))
	if err != nil {
		return "", err
	}
	return reply.Text(), nil
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
