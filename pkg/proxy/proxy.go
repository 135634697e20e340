package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// maxHeadBytes caps how much of a request the proxy reads while
	// locating the Host header.
	maxHeadBytes = 64 * 1024

	headReadTimeout = 10 * time.Second
	dialTimeout     = 5 * time.Second
)

// Resolver maps a request hostname to the local port of the tenant
// serving it.
type Resolver interface {
	Lookup(host string) (port int, ok bool)
}

// Server is a hostname-routing TCP proxy. It reads just enough of each
// inbound connection to find the Host header, resolves the tenant, and
// from then on shuttles bytes in both directions untouched.
type Server struct {
	addr     string
	resolver Resolver
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
	closed   bool
}

// NewServer creates a proxy bound to addr once Serve is called.
func NewServer(addr string, resolver Resolver) *Server {
	return &Server{
		addr:     addr,
		resolver: resolver,
		logger:   log.WithComponent("proxy"),
	}
}

// Serve listens and accepts until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("proxy failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", s.addr).Msg("proxy listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight connections up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound address; valid once Serve has started
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handle(client net.Conn) {
	defer client.Close()

	metrics.ProxyActiveConnections.Inc()
	defer metrics.ProxyActiveConnections.Dec()

	client.SetReadDeadline(time.Now().Add(headReadTimeout))
	head, host, err := readHead(client)
	client.SetReadDeadline(time.Time{})
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("bad_request").Inc()
		writeResponse(client, "400 Bad Request", "bad request")
		return
	}

	port, ok := s.resolver.Lookup(host)
	if !ok {
		metrics.ProxyRequestsTotal.WithLabelValues("not_found").Inc()
		writeResponse(client, "404 Not Found", "project not found")
		return
	}

	upstream, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), dialTimeout)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("upstream_down").Inc()
		s.logger.Warn().Err(err).Str("host", host).Int("port", port).Msg("upstream unreachable")
		writeResponse(client, "502 Bad Gateway", "project unavailable")
		return
	}
	defer upstream.Close()

	metrics.ProxyRequestsTotal.WithLabelValues("proxied").Inc()

	// The buffered head replays to the upstream byte for byte; nothing
	// in the request is rewritten.
	if _, err := upstream.Write(head); err != nil {
		return
	}

	splice(client, upstream)
}

// splice shuttles bytes both ways until both directions close. A
// finished direction half-closes its peer so the other side sees EOF.
func splice(client, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, client)
		halfClose(upstream)
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, upstream)
		halfClose(client)
	}()
	wg.Wait()
}

func halfClose(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
		return
	}
	conn.Close()
}

// readHead reads from conn until the end of the request headers and
// returns the raw bytes read plus the Host header value.
func readHead(conn net.Conn) (head []byte, host string, err error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			host, err = parseHost(buf[:idx+4])
			if err != nil {
				return nil, "", err
			}
			return buf, host, nil
		}
		if rerr != nil {
			return nil, "", fmt.Errorf("connection ended before headers completed: %w", rerr)
		}
		if len(buf) > maxHeadBytes {
			return nil, "", errors.New("request head too large")
		}
	}
}

// parseHost extracts the Host header from a raw request head.
func parseHost(head []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(head))
	scanner.Buffer(make([]byte, maxHeadBytes), maxHeadBytes)
	// Skip the request line.
	if !scanner.Scan() {
		return "", errors.New("empty request")
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Host") {
			host := strings.TrimSpace(value)
			// Routing ignores any port component.
			if idx := strings.IndexByte(host, ':'); idx != -1 {
				host = host[:idx]
			}
			if host == "" {
				return "", errors.New("empty Host header")
			}
			return host, nil
		}
	}
	return "", errors.New("missing Host header")
}

// writeResponse emits a minimal HTTP error response and closes the
// write side.
func writeResponse(conn net.Conn, status, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", status, len(body), body)
}
