package aredis

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedirect(t *testing.T) {
	re := &RedisError{Message: "MOVED 1234 10.0.0.2:6379"}
	redir := ParseRedirect(re)
	require.NotNil(t, redir)
	assert.False(t, redir.Ask)
	assert.Equal(t, 1234, redir.Slot)
	assert.Equal(t, "10.0.0.2:6379", redir.Addr)

	redir = ParseRedirect(&RedisError{Message: "ASK 42 host:7000"})
	require.NotNil(t, redir)
	assert.True(t, redir.Ask)
	assert.Equal(t, 42, redir.Slot)

	// wrapped errors still parse
	redir = ParseRedirect(fmt.Errorf("request failed: %w", re))
	require.NotNil(t, redir)
	assert.Equal(t, 1234, redir.Slot)
}

func TestParseRedirectRejects(t *testing.T) {
	for _, msg := range []string{
		"ERR something",
		"MOVED 1234",
		"MOVED notanumber host:1",
		"MOVED 99999 host:1",
		"WRONGTYPE Operation against a key",
	} {
		assert.Nil(t, ParseRedirect(&RedisError{Message: msg}), msg)
	}
	assert.Nil(t, ParseRedirect(errors.New("plain")))
	assert.Nil(t, ParseRedirect(nil))
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, KindRedis, Kind(&RedisError{Message: "ERR x"}))
	assert.Equal(t, KindProtocol, Kind(&ProtocolError{Err: errors.New("bad byte")}))
	assert.Equal(t, KindDisconnected, Kind(&DisconnectedError{}))
	assert.Equal(t, KindPubSubMode, Kind(ErrPubSubMode))
	assert.Equal(t, KindClusterNoNode, Kind(fmt.Errorf("%w: slot 9", ErrNoNodeForSlot)))
	assert.Equal(t, KindAborted, Kind(ErrTxAborted))
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "", Kind(errors.New("misc")))
}

func TestShouldCloseConnection(t *testing.T) {
	assert.False(t, ShouldCloseConnection(nil))
	assert.False(t, ShouldCloseConnection(&RedisError{Message: "ERR x"}))
	assert.True(t, ShouldCloseConnection(&ProtocolError{Err: errors.New("x")}))
	assert.True(t, ShouldCloseConnection(&DisconnectedError{}))
	// unknown errors are treated conservatively
	assert.True(t, ShouldCloseConnection(errors.New("unknown")))
}

func TestRedisErrorPrefix(t *testing.T) {
	assert.Equal(t, "WRONGTYPE", (&RedisError{Message: "WRONGTYPE Operation"}).Prefix())
	assert.Equal(t, "TRYAGAIN", (&RedisError{Message: "TRYAGAIN"}).Prefix())
	assert.True(t, isTryAgain(&RedisError{Message: "TRYAGAIN later"}))
	assert.False(t, isTryAgain(&RedisError{Message: "ERR x"}))
}
