package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"relaybox/mailbox"
	"relaybox/models"
)

// Directory resolves where a peer listens and which key it must present.
type Directory interface {
	GetPeer(ctx context.Context, peerID string) (models.Peer, error)
}

// TransportOptions configures outbound sessions.
type TransportOptions struct {
	Identity  Identity
	Directory Directory

	ConnectionTimeout time.Duration
	FrameReadTimeout  time.Duration
	Logger            logrus.FieldLogger
}

func (o TransportOptions) withDefaults() TransportOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Transport dials known peers over TCP and authenticates them with Noise IK
// against the key pinned in the directory.
type Transport struct {
	options TransportOptions
	logger  logrus.FieldLogger
}

// NewTransport returns a transport for the local identity.
func NewTransport(options TransportOptions) (*Transport, error) {
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}
	if opts.Directory == nil {
		return nil, errors.New("peer directory is required")
	}
	return &Transport{
		options: opts,
		logger:  opts.Logger.WithField("component", "network"),
	}, nil
}

// Dial opens an authenticated channel to peerID.
func (t *Transport) Dial(ctx context.Context, peerID string) (mailbox.Channel, error) {
	peer, err := t.options.Directory.GetPeer(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %q: %w", peerID, err)
	}
	if peer.Address == "" {
		return nil, fmt.Errorf("peer %q has no known address", peerID)
	}
	if len(peer.PublicKey) == 0 {
		return nil, fmt.Errorf("peer %q has no pinned key", peerID)
	}

	dialer := net.Dialer{Timeout: t.options.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", peer.Address, err)
	}

	deadline := time.Now().Add(t.options.ConnectionTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	secure, reply, err := initiatorHandshake(conn, t.options.Identity, peer.PublicKey)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %q: %w", peerID, err)
	}
	if reply.PeerID != peerID {
		_ = secure.Close()
		return nil, fmt.Errorf("handshake with %q: responder claims id %q", peerID, reply.PeerID)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = secure.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"peer_id": peerID,
		"address": peer.Address,
	}).Debug("session established")

	return &Channel{
		secure:           secure,
		peerID:           peerID,
		frameReadTimeout: t.options.FrameReadTimeout,
	}, nil
}

// Channel is one authenticated session to a peer.
type Channel struct {
	secure           *secureConn
	peerID           string
	frameReadTimeout time.Duration

	mu       sync.Mutex
	sequence uint64
}

// Send delivers payload and waits for the peer's ack.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.frameReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.secure.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set send deadline: %w", err)
	}
	defer func() {
		_ = c.secure.SetDeadline(time.Time{})
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = c.secure.SetDeadline(time.Now())
	})
	defer stop()

	if !json.Valid(payload) {
		return errors.New("direct payload must be a JSON document")
	}

	c.sequence++
	sequence := c.sequence
	frame, err := EncodeJSON(DirectMessage{
		Type:      TypeDirectMessage,
		Sequence:  sequence,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := c.secure.WriteMessage(frame); err != nil {
		return withContextErr(ctx, fmt.Errorf("write direct message to %s: %w", c.peerID, err))
	}

	reply, err := c.secure.ReadMessage()
	if err != nil {
		return withContextErr(ctx, fmt.Errorf("read ack from %s: %w", c.peerID, err))
	}
	msgType, err := DecodeMessageType(reply)
	if err != nil {
		return err
	}

	switch msgType {
	case TypeAck:
		var ack AckMessage
		if err := json.Unmarshal(reply, &ack); err != nil {
			return fmt.Errorf("decode ack: %w", err)
		}
		if ack.Sequence != sequence {
			return fmt.Errorf("ack for sequence %d, expected %d", ack.Sequence, sequence)
		}
		return nil
	case TypeError:
		var remoteErr ErrorMessage
		if err := json.Unmarshal(reply, &remoteErr); err != nil {
			return fmt.Errorf("decode remote error response: %w", err)
		}
		return remoteErr
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}
}

// Close ends the session.
func (c *Channel) Close() error {
	return c.secure.Close()
}

func withContextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
