package aredis

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is an ordered sequence of binary-safe arguments. The first one or
// two arguments form the canonical keyword used for routing and logging.
type Command struct {
	args [][]byte
}

// NewCommand builds a command from the given arguments. Strings and byte
// slices pass through untouched; integers and floats are formatted as
// decimal ASCII, which is the only numeric form the wire accepts.
func NewCommand(args ...any) *Command {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = argBytes(a)
	}
	return &Command{args: out}
}

func argBytes(a any) []byte {
	switch v := a.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64)
	case bool:
		if v {
			return []byte("1")
		}
		return []byte("0")
	default:
		return []byte(fmt.Sprint(v))
	}
}

// Args returns the raw argument slice.
func (c *Command) Args() [][]byte {
	return c.args
}

// Keyword returns the normalized command keyword: the first argument
// uppercased, joined with the second when the pair names a two-word command
// (CLUSTER SLOTS, XINFO STREAM, CLIENT TRACKING, ...).
func (c *Command) Keyword() string {
	if len(c.args) == 0 {
		return ""
	}
	first := strings.ToUpper(string(c.args[0]))
	if len(c.args) > 1 {
		two := first + " " + strings.ToUpper(string(c.args[1]))
		if _, ok := commandTable[two]; ok {
			return two
		}
	}
	return first
}

// Key returns the routing key for the command, per the command table.
// ok is false when the command has no key.
func (c *Command) Key() (key []byte, ok bool) {
	spec, found := commandTable[c.Keyword()]
	if !found {
		return nil, false
	}
	if spec.streams {
		// the key follows the literal STREAMS token
		for i := 1; i < len(c.args)-1; i++ {
			if strings.EqualFold(string(c.args[i]), "STREAMS") {
				return c.args[i+1], true
			}
		}
		return nil, false
	}
	if spec.keyIndex == 0 || spec.keyIndex >= len(c.args) {
		return nil, false
	}
	return c.args[spec.keyIndex], true
}

// IsPubSubControl reports whether the command is one of the pub/sub control
// commands permitted while the connection is in subscriber mode.
func (c *Command) IsPubSubControl() bool {
	return pubsubAllowed[c.Keyword()]
}

// String returns the keyword, for logging.
func (c *Command) String() string {
	return c.Keyword()
}

// keySpec locates a command's first key argument. keyIndex is the 1-based
// position of the key; 0 means the command has no key. streams marks the
// XREAD family, whose key follows the literal STREAMS token. arity is the
// minimum argument count including the command word.
type keySpec struct {
	keyIndex int
	streams  bool
	arity    int
}

// pubsubAllowed is the command set permitted in subscriber mode on RESP2.
// Everything else fails locally without touching the stream.
var pubsubAllowed = map[string]bool{
	"SUBSCRIBE":    true,
	"PSUBSCRIBE":   true,
	"UNSUBSCRIBE":  true,
	"PUNSUBSCRIBE": true,
	"PING":         true,
	"QUIT":         true,
	"RESET":        true,
}

// commandTable is the static command metadata map. It is not exhaustive
// over the server's command set: commands absent from the table are treated
// as keyless and routed to an arbitrary node in cluster mode.
var commandTable = map[string]keySpec{
	// strings
	"APPEND":      {keyIndex: 1, arity: 3},
	"DECR":        {keyIndex: 1, arity: 2},
	"DECRBY":      {keyIndex: 1, arity: 3},
	"GET":         {keyIndex: 1, arity: 2},
	"GETDEL":      {keyIndex: 1, arity: 2},
	"GETEX":       {keyIndex: 1, arity: 2},
	"GETRANGE":    {keyIndex: 1, arity: 4},
	"GETSET":      {keyIndex: 1, arity: 3},
	"INCR":        {keyIndex: 1, arity: 2},
	"INCRBY":      {keyIndex: 1, arity: 3},
	"INCRBYFLOAT": {keyIndex: 1, arity: 3},
	"MGET":        {keyIndex: 1, arity: 2},
	"MSET":        {keyIndex: 1, arity: 3},
	"PSETEX":      {keyIndex: 1, arity: 4},
	"SET":         {keyIndex: 1, arity: 3},
	"SETEX":       {keyIndex: 1, arity: 4},
	"SETNX":       {keyIndex: 1, arity: 3},
	"SETRANGE":    {keyIndex: 1, arity: 4},
	"STRLEN":      {keyIndex: 1, arity: 2},
	"SUBSTR":      {keyIndex: 1, arity: 4},

	// generic
	"COPY":      {keyIndex: 1, arity: 3},
	"DEL":       {keyIndex: 1, arity: 2},
	"DUMP":      {keyIndex: 1, arity: 2},
	"EXISTS":    {keyIndex: 1, arity: 2},
	"EXPIRE":    {keyIndex: 1, arity: 3},
	"EXPIREAT":  {keyIndex: 1, arity: 3},
	"PERSIST":   {keyIndex: 1, arity: 2},
	"PEXPIRE":   {keyIndex: 1, arity: 3},
	"PEXPIREAT": {keyIndex: 1, arity: 3},
	"PTTL":      {keyIndex: 1, arity: 2},
	"RENAME":    {keyIndex: 1, arity: 3},
	"RENAMENX":  {keyIndex: 1, arity: 3},
	"RESTORE":   {keyIndex: 1, arity: 4},
	"SORT":      {keyIndex: 1, arity: 2},
	"TOUCH":     {keyIndex: 1, arity: 2},
	"TTL":       {keyIndex: 1, arity: 2},
	"TYPE":      {keyIndex: 1, arity: 2},
	"UNLINK":    {keyIndex: 1, arity: 2},
	"WATCH":     {keyIndex: 1, arity: 2},

	// hashes
	"HDEL":         {keyIndex: 1, arity: 3},
	"HEXISTS":      {keyIndex: 1, arity: 3},
	"HGET":         {keyIndex: 1, arity: 3},
	"HGETALL":      {keyIndex: 1, arity: 2},
	"HINCRBY":      {keyIndex: 1, arity: 4},
	"HINCRBYFLOAT": {keyIndex: 1, arity: 4},
	"HKEYS":        {keyIndex: 1, arity: 2},
	"HLEN":         {keyIndex: 1, arity: 2},
	"HMGET":        {keyIndex: 1, arity: 3},
	"HMSET":        {keyIndex: 1, arity: 4},
	"HRANDFIELD":   {keyIndex: 1, arity: 2},
	"HSCAN":        {keyIndex: 1, arity: 3},
	"HSET":         {keyIndex: 1, arity: 4},
	"HSETNX":       {keyIndex: 1, arity: 4},
	"HSTRLEN":      {keyIndex: 1, arity: 3},
	"HVALS":        {keyIndex: 1, arity: 2},

	// lists
	"BLMOVE":    {keyIndex: 1, arity: 6},
	"BLPOP":     {keyIndex: 1, arity: 3},
	"BRPOP":     {keyIndex: 1, arity: 3},
	"LINDEX":    {keyIndex: 1, arity: 3},
	"LINSERT":   {keyIndex: 1, arity: 5},
	"LLEN":      {keyIndex: 1, arity: 2},
	"LMOVE":     {keyIndex: 1, arity: 5},
	"LPOP":      {keyIndex: 1, arity: 2},
	"LPOS":      {keyIndex: 1, arity: 3},
	"LPUSH":     {keyIndex: 1, arity: 3},
	"LPUSHX":    {keyIndex: 1, arity: 3},
	"LRANGE":    {keyIndex: 1, arity: 4},
	"LREM":      {keyIndex: 1, arity: 4},
	"LSET":      {keyIndex: 1, arity: 4},
	"LTRIM":     {keyIndex: 1, arity: 4},
	"RPOP":      {keyIndex: 1, arity: 2},
	"RPOPLPUSH": {keyIndex: 1, arity: 3},
	"RPUSH":     {keyIndex: 1, arity: 3},
	"RPUSHX":    {keyIndex: 1, arity: 3},

	// sets
	"SADD":        {keyIndex: 1, arity: 3},
	"SCARD":       {keyIndex: 1, arity: 2},
	"SDIFF":       {keyIndex: 1, arity: 2},
	"SINTER":      {keyIndex: 1, arity: 2},
	"SISMEMBER":   {keyIndex: 1, arity: 3},
	"SMEMBERS":    {keyIndex: 1, arity: 2},
	"SMISMEMBER":  {keyIndex: 1, arity: 3},
	"SMOVE":       {keyIndex: 1, arity: 4},
	"SPOP":        {keyIndex: 1, arity: 2},
	"SRANDMEMBER": {keyIndex: 1, arity: 2},
	"SREM":        {keyIndex: 1, arity: 3},
	"SSCAN":       {keyIndex: 1, arity: 3},
	"SUNION":      {keyIndex: 1, arity: 2},

	// sorted sets
	"BZPOPMAX":      {keyIndex: 1, arity: 3},
	"BZPOPMIN":      {keyIndex: 1, arity: 3},
	"ZADD":          {keyIndex: 1, arity: 4},
	"ZCARD":         {keyIndex: 1, arity: 2},
	"ZCOUNT":        {keyIndex: 1, arity: 4},
	"ZINCRBY":       {keyIndex: 1, arity: 4},
	"ZPOPMAX":       {keyIndex: 1, arity: 2},
	"ZPOPMIN":       {keyIndex: 1, arity: 2},
	"ZRANGE":        {keyIndex: 1, arity: 4},
	"ZRANGEBYSCORE": {keyIndex: 1, arity: 4},
	"ZRANK":         {keyIndex: 1, arity: 3},
	"ZREM":          {keyIndex: 1, arity: 3},
	"ZREVRANGE":     {keyIndex: 1, arity: 4},
	"ZREVRANK":      {keyIndex: 1, arity: 3},
	"ZSCAN":         {keyIndex: 1, arity: 3},
	"ZSCORE":        {keyIndex: 1, arity: 3},

	// streams
	"XACK":         {keyIndex: 1, arity: 4},
	"XADD":         {keyIndex: 1, arity: 5},
	"XAUTOCLAIM":   {keyIndex: 1, arity: 6},
	"XCLAIM":       {keyIndex: 1, arity: 6},
	"XDEL":         {keyIndex: 1, arity: 3},
	"XGROUP":       {keyIndex: 2, arity: 2},
	"XINFO STREAM": {keyIndex: 2, arity: 3},
	"XINFO GROUPS": {keyIndex: 2, arity: 3},
	"XLEN":         {keyIndex: 1, arity: 2},
	"XPENDING":     {keyIndex: 1, arity: 3},
	"XRANGE":       {keyIndex: 1, arity: 4},
	"XREAD":        {streams: true, arity: 4},
	"XREADGROUP":   {streams: true, arity: 7},
	"XREVRANGE":    {keyIndex: 1, arity: 4},
	"XTRIM":        {keyIndex: 1, arity: 4},

	// bitmaps, hyperloglog
	"BITCOUNT": {keyIndex: 1, arity: 2},
	"BITPOS":   {keyIndex: 1, arity: 3},
	"GETBIT":   {keyIndex: 1, arity: 3},
	"PFADD":    {keyIndex: 1, arity: 2},
	"PFCOUNT":  {keyIndex: 1, arity: 2},
	"SETBIT":   {keyIndex: 1, arity: 4},

	// pub/sub: one channel is enough for cluster routing
	"PSUBSCRIBE":   {keyIndex: 1, arity: 2},
	"PUBLISH":      {keyIndex: 1, arity: 3},
	"PUNSUBSCRIBE": {keyIndex: 0, arity: 1},
	"SUBSCRIBE":    {keyIndex: 1, arity: 2},
	"UNSUBSCRIBE":  {keyIndex: 0, arity: 1},

	// keyless server and connection commands
	"AUTH":            {arity: 2},
	"CLIENT ID":       {arity: 2},
	"CLIENT SETNAME":  {arity: 3},
	"CLIENT TRACKING": {arity: 3},
	"CLUSTER SLOTS":   {arity: 2},
	"COMMAND":         {arity: 1},
	"DBSIZE":          {arity: 1},
	"DISCARD":         {arity: 1},
	"ECHO":            {arity: 2},
	"EXEC":            {arity: 1},
	"FLUSHALL":        {arity: 1},
	"FLUSHDB":         {arity: 1},
	"HELLO":           {arity: 1},
	"INFO":            {arity: 1},
	"KEYS":            {arity: 2},
	"MULTI":           {arity: 1},
	"PING":            {arity: 1},
	"QUIT":            {arity: 1},
	"RESET":           {arity: 1},
	"SCAN":            {arity: 2},
	"SELECT":          {arity: 2},
	"TIME":            {arity: 1},
	"UNWATCH":         {arity: 1},
}
