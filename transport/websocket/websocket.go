// Package websocket implements the optional WebSocket transport variant for
// the MCP engine: one text frame per JSON-RPC document, in both server and
// client roles.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"

	gobwasws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/modelcontextprotocol/go-mcp-engine"
)

// Server implements mcp.ServerTransport over WebSocket. Connections are
// accepted through the http.Handler returned by Handler; each upgraded
// connection becomes one Session yielded from Sessions.
type Server struct {
	logger *slog.Logger

	sessions chan *Session

	done   chan struct{}
	closed chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger overrides the server's default logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a Server ready to accept connections through its
// Handler. The caller is responsible for serving that handler on an
// http.Server or mux route of its choosing — this package implements the
// MCP-specific framing only, not a generic HTTP server (out of scope).
func NewServer(options ...ServerOption) *Server {
	s := &Server{
		logger:   slog.Default(),
		sessions: make(chan *Session, 5),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Handler upgrades incoming HTTP requests to WebSocket connections and feeds
// each resulting Session into Sessions.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := gobwasws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Error("failed to upgrade websocket connection", slog.String("err", err.Error()))
			return
		}

		sess := newSession(conn, s.logger, false)

		select {
		case s.sessions <- sess:
		case <-s.done:
			_ = conn.Close()
			return
		}

		sess.readLoop()
	})
}

// Sessions implements mcp.ServerTransport.
func (s *Server) Sessions() iter.Seq[mcp.Session] {
	return func(yield func(mcp.Session) bool) {
		defer close(s.closed)
		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements mcp.ServerTransport.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// Client implements mcp.ClientTransport over WebSocket.
type Client struct {
	url    string
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger overrides the client's default logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client that dials url ("ws://" or "wss://") when
// StartSession is called.
func NewClient(url string, options ...ClientOption) *Client {
	c := &Client{url: url, logger: slog.Default()}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// StartSession implements mcp.ClientTransport.
func (c *Client) StartSession(ctx context.Context) (mcp.Session, error) {
	conn, _, _, err := gobwasws.Dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", c.url, err)
	}

	sess := newSession(conn, c.logger, true)
	go sess.readLoop()

	return sess, nil
}

// Session is a single WebSocket connection acting as an mcp.Session. Sends
// are serialized through a single writer goroutine, matching the pattern
// the engine uses for its other transports.
type Session struct {
	id       string
	conn     net.Conn
	logger   *slog.Logger
	isClient bool

	writeMsgs chan writeRequest
	received  chan mcp.JSONRPCMessage

	done           chan struct{}
	writeClosed    chan struct{}
	receivedClosed chan struct{}
}

type writeRequest struct {
	payload []byte
	errs    chan error
}

func newSession(conn net.Conn, logger *slog.Logger, isClient bool) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:             uuid.New().String(),
		conn:           conn,
		logger:         logger,
		isClient:       isClient,
		writeMsgs:      make(chan writeRequest),
		received:       make(chan mcp.JSONRPCMessage, 5),
		done:           make(chan struct{}),
		writeClosed:    make(chan struct{}),
		receivedClosed: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// ID implements mcp.Session.
func (s *Session) ID() string {
	return s.id
}

// Send implements mcp.Session.
func (s *Session) Send(ctx context.Context, msg mcp.JSONRPCMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("websocket: marshal message: %w", err)
	}

	req := writeRequest{payload: payload, errs: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case s.writeMsgs <- req:
	}

	select {
	case err := <-req.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Messages implements mcp.Session.
func (s *Session) Messages() iter.Seq[mcp.JSONRPCMessage] {
	return func(yield func(mcp.JSONRPCMessage) bool) {
		for {
			select {
			case <-s.receivedClosed:
				return
			case msg := <-s.received:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Stop closes the underlying connection and waits for both loops to exit.
func (s *Session) Stop() {
	close(s.done)
	_ = s.conn.Close()
	<-s.writeClosed
	<-s.receivedClosed
}

func (s *Session) writeLoop() {
	defer close(s.writeClosed)
	for {
		var req writeRequest
		select {
		case <-s.done:
			return
		case req = <-s.writeMsgs:
		}

		var err error
		if s.isClient {
			err = wsutil.WriteClientMessage(s.conn, gobwasws.OpText, req.payload)
		} else {
			err = wsutil.WriteServerMessage(s.conn, gobwasws.OpText, req.payload)
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		req.errs <- err
	}
}

// readLoop reads frames until the connection closes, normally invoked by the
// goroutine that owns the connection (Server.Handler for servers, StartSession
// for clients).
func (s *Session) readLoop() {
	defer close(s.receivedClosed)
	for {
		var (
			data []byte
			op   gobwasws.OpCode
			err  error
		)
		if s.isClient {
			data, op, err = wsutil.ReadServerData(s.conn)
		} else {
			data, op, err = wsutil.ReadClientData(s.conn)
		}
		if err != nil {
			if !isClosedErr(err) {
				s.logger.Info("websocket read terminated", slog.String("err", err.Error()))
			}
			return
		}

		if op == gobwasws.OpClose {
			return
		}
		if op != gobwasws.OpText && op != gobwasws.OpBinary {
			continue
		}

		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error("failed to unmarshal websocket message", slog.String("err", err.Error()))
			continue
		}

		select {
		case <-s.done:
			return
		case s.received <- msg:
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
