package aredis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandKeyword(t *testing.T) {
	assert.Equal(t, "GET", NewCommand("get", "k").Keyword())
	assert.Equal(t, "CLUSTER SLOTS", NewCommand("cluster", "slots").Keyword())
	assert.Equal(t, "XINFO STREAM", NewCommand("XINFO", "STREAM", "s").Keyword())
	assert.Equal(t, "CLIENT SETNAME", NewCommand("CLIENT", "SETNAME", "me").Keyword())
	// a second word that does not form a known pair stays separate
	assert.Equal(t, "GET", NewCommand("GET", "SLOTS").Keyword())
	assert.Equal(t, "", NewCommand().Keyword())
}

func TestCommandKeyExtraction(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
		key  string
		ok   bool
	}{
		{"get", NewCommand("GET", "k"), "k", true},
		{"set", NewCommand("SET", "k", "v"), "k", true},
		{"lowercase", NewCommand("rpush", "list", "a"), "list", true},
		{"ping has no key", NewCommand("PING"), "", false},
		{"unknown command has no key", NewCommand("FROBNICATE", "x"), "", false},
		{"xread streams", NewCommand("XREAD", "COUNT", "5", "STREAMS", "s1", "s2", "0", "0"), "s1", true},
		{"xreadgroup streams", NewCommand("XREADGROUP", "GROUP", "g", "c", "STREAMS", "st", ">"), "st", true},
		{"xread missing streams token", NewCommand("XREAD", "COUNT", "5"), "", false},
		{"xgroup key is arg 2", NewCommand("XGROUP", "CREATE", "stream", "grp", "$"), "stream", true},
		{"xinfo stream", NewCommand("XINFO", "STREAM", "st"), "st", true},
		{"publish routes by channel", NewCommand("PUBLISH", "news", "hi"), "news", true},
		{"subscribe routes by channel", NewCommand("SUBSCRIBE", "news"), "news", true},
		{"unsubscribe has no key", NewCommand("UNSUBSCRIBE"), "", false},
		{"exec has no key", NewCommand("EXEC"), "", false},
		{"key index beyond args", NewCommand("GET"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := tt.cmd.Key()
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.key, string(key))
			}
		})
	}
}

func TestCommandArgFormatting(t *testing.T) {
	cmd := NewCommand("SET", []byte("bin\x00key"), 42, int64(-7), 1.5, true)
	args := cmd.Args()
	require.Len(t, args, 6)
	assert.Equal(t, "bin\x00key", string(args[1]))
	assert.Equal(t, "42", string(args[2]))
	assert.Equal(t, "-7", string(args[3]))
	assert.Equal(t, "1.5", string(args[4]))
	assert.Equal(t, "1", string(args[5]))
}

func TestPubSubAllowedSet(t *testing.T) {
	for _, word := range []string{"SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE", "PING", "QUIT", "RESET"} {
		assert.True(t, NewCommand(word).IsPubSubControl(), word)
	}
	for _, word := range []string{"GET", "SET", "EXEC", "MULTI", "CLUSTER"} {
		assert.False(t, NewCommand(word).IsPubSubControl(), word)
	}
}
