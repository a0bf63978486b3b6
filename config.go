package aredis

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Protocol versions accepted by Config.Protocol.
const (
	ProtocolRESP2 = "resp2"
	ProtocolRESP3 = "resp3"
)

const (
	// DefaultPort is the server's conventional TCP port.
	DefaultPort = 6379

	// DefaultPipelineDepth bounds the number of in-flight commands per
	// connection. Commands beyond the bound wait for room.
	DefaultPipelineDepth = 100
)

// Config holds the client configuration. The zero value plus a Host is a
// working RESP2 client.
type Config struct {
	// Host and Port locate the server. Port 0 selects DefaultPort.
	Host string
	Port int

	// URI, when set, is parsed for password, host, port and database and
	// overrides Host/Port/Auth/Database. Unknown query parameters are
	// ignored. Form: redis://[:password@]host[:port][/database]
	URI string

	// Auth is the password sent via AUTH (or folded into HELLO on RESP3).
	Auth string

	// Database is issued as SELECT after connecting, when non-zero.
	Database int

	// Protocol is "resp2" (default) or "resp3". Anything else is a
	// construction error.
	Protocol string

	// HashRefs enables map-typed reply helpers and requires resp3;
	// the combination with resp2 is a construction error.
	HashRefs bool

	// PipelineDepth is the in-flight command window, default 100.
	PipelineDepth int

	// StreamReadLen and StreamWriteLen size the connection's buffered
	// reader and writer. Zero selects bufio defaults.
	StreamReadLen  int
	StreamWriteLen int

	// ClientName is issued as CLIENT SETNAME after connecting (or folded
	// into HELLO on RESP3).
	ClientName string

	// ClientSideCacheSize enables the client-side cache when positive.
	// Requires resp3.
	ClientSideCacheSize int

	// MaxBulkLen caps a single bulk string allocation. Zero selects the
	// server's own 512 MiB default.
	MaxBulkLen int64

	// OnDisconnect, when set, is invoked once when the connection is lost,
	// with the triggering error.
	OnDisconnect func(error)

	// Dialer is used to open TCP connections. If nil, a default net.Dialer
	// is used. Connect timeouts are the caller's: set them on the dialer
	// or the context.
	Dialer *net.Dialer

	// Logger receives protocol anomaly and lifecycle messages.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// withDefaults validates cfg and fills in defaults, returning a copy.
func (cfg Config) withDefaults() (Config, error) {
	switch cfg.Protocol {
	case "":
		cfg.Protocol = ProtocolRESP2
	case ProtocolRESP2, ProtocolRESP3:
	default:
		return cfg, fmt.Errorf("aredis: unknown protocol %q", cfg.Protocol)
	}

	if cfg.HashRefs && cfg.Protocol != ProtocolRESP3 {
		return cfg, fmt.Errorf("aredis: hashrefs requires protocol resp3")
	}
	if cfg.ClientSideCacheSize > 0 && cfg.Protocol != ProtocolRESP3 {
		return cfg, fmt.Errorf("aredis: client-side cache requires protocol resp3")
	}
	if cfg.PipelineDepth < 0 {
		return cfg, fmt.Errorf("aredis: pipeline depth must be positive")
	}
	if cfg.PipelineDepth == 0 {
		cfg.PipelineDepth = DefaultPipelineDepth
	}

	if cfg.URI != "" {
		parsed, err := ParseURI(cfg.URI)
		if err != nil {
			return cfg, err
		}
		cfg.Host = parsed.Host
		cfg.Port = parsed.Port
		if parsed.Auth != "" {
			cfg.Auth = parsed.Auth
		}
		if parsed.Database != 0 {
			cfg.Database = parsed.Database
		}
	}

	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg, nil
}

func (cfg *Config) addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

func (cfg *Config) protoVersion() int {
	if cfg.Protocol == ProtocolRESP3 {
		return 3
	}
	return 2
}

// Endpoint is the result of parsing a connection URI.
type Endpoint struct {
	Host     string
	Port     int
	Auth     string
	Database int
}

// ParseURI parses a redis:// connection URI. Password, host, port and the
// optional database index are extracted; unknown query parameters are
// ignored.
func ParseURI(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("aredis: invalid URI: %w", err)
	}
	if u.Scheme != "redis" {
		return Endpoint{}, fmt.Errorf("aredis: unsupported URI scheme %q", u.Scheme)
	}

	ep := Endpoint{Host: u.Hostname(), Port: DefaultPort}
	if ep.Host == "" {
		ep.Host = "localhost"
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("aredis: invalid port %q", p)
		}
		ep.Port = port
	}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			ep.Auth = pw
		} else {
			// redis://password@host form used by some deployments
			ep.Auth = u.User.Username()
		}
	}
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil || db < 0 {
			return Endpoint{}, fmt.Errorf("aredis: invalid database index %q", path)
		}
		ep.Database = db
	}
	return ep, nil
}
