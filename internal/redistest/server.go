// Package redistest provides a scriptable in-process server speaking the
// Redis serialization protocol, for client tests only.
package redistest

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aredis/aredis/resp"
)

// NoReply tells the server to send nothing for a command; the handler
// takes over delivery through Conn.Send (subscribe flows, for instance).
type NoReply struct{}

// Conn is one accepted client connection. Send pushes an out-of-band
// frame, which is how handlers deliver pub/sub traffic and invalidation
// pushes.
type Conn struct {
	mu    sync.Mutex
	nc    net.Conn
	proto int
}

// Send encodes v and writes it to the client.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return resp.EncodeValue(c.nc, c.proto, v)
}

// Close drops the client connection, for disconnect scenarios.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Handler is called for every decoded command. The returned value is
// encoded and sent back, unless it is NoReply.
type Handler func(c *Conn, cmd string, args ...string) any

// Server is a scriptable protocol server bound to a random localhost
// port.
type Server struct {
	Addr string
	Host string
	Port int

	proto int
	h     Handler
	t     *testing.T
	l     net.Listener
	done  chan struct{}
	wg    sync.WaitGroup
}

// StartServer starts a server speaking the given protocol version. The
// caller must Close it after use.
func StartServer(t *testing.T, proto int, handler Handler) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "net.Listen")

	addr := l.Addr().(*net.TCPAddr)
	s := &Server{
		Addr:  addr.String(),
		Host:  "127.0.0.1",
		Port:  addr.Port,
		proto: proto,
		h:     handler,
		t:     t,
		l:     l,
		done:  make(chan struct{}),
	}
	go s.serve()
	return s
}

// Close stops the server and waits for its connections to finish.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.l.Close()

	exit := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(exit)
	}()
	select {
	case <-exit:
	case <-time.After(5 * time.Second):
		s.t.Error("redistest: failed to cleanly stop the server")
	}
}

func (s *Server) serve() {
	for {
		nc, err := s.l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	go func() {
		<-s.done
		nc.Close()
	}()

	conn := &Conn{nc: nc, proto: s.proto}
	dec := resp.NewDecoder(nc)
	for {
		cmd, args, err := readCommand(dec)
		if err != nil {
			return
		}
		v := s.h(conn, cmd, args...)
		if _, skip := v.(NoReply); skip {
			continue
		}
		if err := conn.Send(v); err != nil {
			return
		}
	}
}

// readCommand decodes one request array into command word and arguments.
func readCommand(dec *resp.Decoder) (string, []string, error) {
	reply, err := dec.Decode()
	if err != nil {
		return "", nil, err
	}
	if reply.Type != resp.TypeArray || len(reply.Elems) == 0 {
		return "", nil, fmt.Errorf("redistest: request is not a command array")
	}
	args := make([]string, len(reply.Elems)-1)
	for i, el := range reply.Elems[1:] {
		args[i] = string(el.Bytes())
	}
	return string(reply.Elems[0].Bytes()), args, nil
}
