package aredis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri  string
		want Endpoint
	}{
		{"redis://localhost", Endpoint{Host: "localhost", Port: 6379}},
		{"redis://example.com:6380", Endpoint{Host: "example.com", Port: 6380}},
		{"redis://:sekret@example.com", Endpoint{Host: "example.com", Port: 6379, Auth: "sekret"}},
		{"redis://example.com/3", Endpoint{Host: "example.com", Port: 6379, Database: 3}},
		{"redis://:pw@h:7000/2", Endpoint{Host: "h", Port: 7000, Auth: "pw", Database: 2}},
		// unknown query parameters are ignored
		{"redis://h:7000/1?timeout=5&x=y", Endpoint{Host: "h", Port: 7000, Database: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseURIErrors(t *testing.T) {
	for _, uri := range []string{
		"http://example.com",
		"redis://h:notaport",
		"redis://h/notadb",
	} {
		_, err := ParseURI(uri)
		assert.Error(t, err, uri)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := Config{}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, ProtocolRESP2, cfg.Protocol)
	assert.Equal(t, DefaultPipelineDepth, cfg.PipelineDepth)
	assert.NotNil(t, cfg.Dialer)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigURIOverrides(t *testing.T) {
	cfg, err := Config{URI: "redis://:pw@redis.internal:7001/4"}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal", cfg.Host)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, "pw", cfg.Auth)
	assert.Equal(t, 4, cfg.Database)
}

func TestConfigValidation(t *testing.T) {
	_, err := Config{Protocol: "resp4"}.withDefaults()
	assert.Error(t, err)

	_, err = Config{HashRefs: true}.withDefaults()
	assert.Error(t, err, "hashrefs requires resp3")

	_, err = Config{HashRefs: true, Protocol: ProtocolRESP3}.withDefaults()
	assert.NoError(t, err)

	_, err = Config{ClientSideCacheSize: 100}.withDefaults()
	assert.Error(t, err, "client-side cache requires resp3")

	_, err = Config{ClientSideCacheSize: 100, Protocol: ProtocolRESP3}.withDefaults()
	assert.NoError(t, err)

	_, err = Config{PipelineDepth: -1}.withDefaults()
	assert.Error(t, err)
}
