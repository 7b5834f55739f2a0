package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"relaybox/mailbox"
	"relaybox/models"
)

// DefaultIdleTimeout closes inbound sessions that stay silent this long.
const DefaultIdleTimeout = 2 * time.Minute

// ServerOptions configures inbound sessions.
type ServerOptions struct {
	Identity  Identity
	Directory Directory
	Deliverer mailbox.Deliverer

	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	Logger            logrus.FieldLogger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Server accepts sessions from known peers and hands their direct messages
// to the configured Deliverer.
type Server struct {
	listener net.Listener
	options  ServerOptions
	logger   logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}
	if opts.Directory == nil {
		return nil, errors.New("peer directory is required")
	}
	if opts.Deliverer == nil {
		return nil, errors.New("deliverer is required")
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  opts,
		logger:   opts.Logger.WithField("component", "network"),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 16),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, ends open sessions, and waits for them to finish.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	secure, hello, err := responderHandshake(conn, s.options.Identity, s.authorize)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"peer_id": hello.PeerID,
			"remote":  conn.RemoteAddr().String(),
		}).Warn("inbound handshake rejected")
		s.reportError(fmt.Errorf("inbound handshake: %w", err))
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	s.serve(secure, hello.PeerID)
}

// authorize admits only peers already in the directory presenting the key
// pinned for them.
func (s *Server) authorize(hello Hello, remoteStatic []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.options.ConnectionTimeout)
	defer cancel()

	peer, err := s.options.Directory.GetPeer(ctx, hello.PeerID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("peer %q: %w", hello.PeerID, models.ErrPeerUnknown)
		}
		return fmt.Errorf("resolve peer %q: %w", hello.PeerID, err)
	}
	if len(peer.PublicKey) == 0 {
		return fmt.Errorf("peer %q has no pinned key: %w", hello.PeerID, models.ErrPeerUnknown)
	}
	if !bytes.Equal(peer.PublicKey, remoteStatic) {
		return fmt.Errorf("peer %q: %w", hello.PeerID, models.ErrIdentityConflict)
	}
	return nil
}

func (s *Server) serve(secure *secureConn, peerID string) {
	logger := s.logger.WithField("peer_id", peerID)
	var lastSequence uint64

	for {
		if err := secure.SetReadDeadline(time.Now().Add(s.options.IdleTimeout)); err != nil {
			s.reportError(fmt.Errorf("set read deadline: %w", err))
			return
		}
		frame, err := secure.ReadMessage()
		if err != nil {
			if isQuietClose(err) {
				logger.Debug("session closed")
				return
			}
			s.reportError(fmt.Errorf("read from %q: %w", peerID, err))
			return
		}

		msgType, err := DecodeMessageType(frame)
		if err != nil {
			_ = s.sendError(secure, ErrorMessage{Code: "invalid_message", Message: err.Error()})
			return
		}
		if msgType != TypeDirectMessage {
			_ = s.sendError(secure, ErrorMessage{
				Code:    "unknown_type",
				Message: fmt.Sprintf("Expected %q, got %q", TypeDirectMessage, msgType),
			})
			continue
		}

		var message DirectMessage
		if err := json.Unmarshal(frame, &message); err != nil {
			_ = s.sendError(secure, ErrorMessage{Code: "invalid_message", Message: err.Error()})
			return
		}
		if message.Sequence <= lastSequence {
			_ = s.sendError(secure, ErrorMessage{
				Code:     "sequence_replay",
				Message:  ErrSequenceReplay.Error(),
				Sequence: message.Sequence,
			})
			return
		}
		lastSequence = message.Sequence

		reply := s.deliver(peerID, message)
		if err := secure.WriteMessage(reply); err != nil {
			s.reportError(fmt.Errorf("reply to %q: %w", peerID, err))
			return
		}
	}
}

// deliver checks a direct message against the authenticated session and
// hands it on. It returns the encoded ack or error reply.
func (s *Server) deliver(peerID string, message DirectMessage) []byte {
	fail := func(code, text string) []byte {
		payload, _ := EncodeJSON(ErrorMessage{
			Type:      TypeError,
			Code:      code,
			Message:   text,
			Sequence:  message.Sequence,
			Timestamp: time.Now().UnixMilli(),
		})
		return payload
	}

	msg, err := mailbox.DecodeDirectPayload(message.Payload)
	if err != nil {
		return fail("invalid_payload", err.Error())
	}
	if msg.SenderID != peerID {
		return fail("sender_mismatch", fmt.Sprintf("session belongs to %q, message claims %q", peerID, msg.SenderID))
	}
	if msg.RecipientID != s.options.Identity.PeerID {
		return fail("wrong_recipient", fmt.Sprintf("message for %q reached %q", msg.RecipientID, s.options.Identity.PeerID))
	}

	if err := s.options.Deliverer.Deliver(s.ctx, msg); err != nil && !errors.Is(err, mailbox.ErrAlreadyDelivered) {
		s.logger.WithError(err).WithField("message_id", msg.ID).Warn("direct delivery failed")
		return fail("delivery_failed", err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"peer_id":    peerID,
		"message_id": msg.ID,
	}).Debug("direct message delivered")

	payload, _ := EncodeJSON(AckMessage{
		Type:      TypeAck,
		Sequence:  message.Sequence,
		Status:    "delivered",
		Timestamp: time.Now().UnixMilli(),
	})
	return payload
}

func (s *Server) sendError(secure *secureConn, message ErrorMessage) error {
	message.Type = TypeError
	message.Timestamp = time.Now().UnixMilli()
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return secure.WriteMessage(payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

func isQuietClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
