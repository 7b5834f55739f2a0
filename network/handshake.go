package network

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/flynn/noise"
)

const staticKeySize = 32

var (
	cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	prologue    = []byte("relaybox noise ik v1")
)

// Identity is the local peer id plus its long-term X25519 key pair. The
// same key opens mailbox blobs and authenticates Noise sessions.
type Identity struct {
	PeerID     string
	PrivateKey []byte
	PublicKey  []byte
}

func (i Identity) validate() error {
	if i.PeerID == "" {
		return errors.New("local peer ID is required")
	}
	if len(i.PrivateKey) != staticKeySize {
		return fmt.Errorf("local private key must be %d bytes, got %d", staticKeySize, len(i.PrivateKey))
	}
	if len(i.PublicKey) != staticKeySize {
		return fmt.Errorf("local public key must be %d bytes, got %d", staticKeySize, len(i.PublicKey))
	}
	return nil
}

func (i Identity) staticKeypair() noise.DHKey {
	return noise.DHKey{
		Private: bytes.Clone(i.PrivateKey),
		Public:  bytes.Clone(i.PublicKey),
	}
}

func (i Identity) hello(status, reason string) ([]byte, error) {
	return EncodeJSON(Hello{
		Type:            TypeHello,
		PeerID:          i.PeerID,
		ProtocolVersion: ProtocolVersion,
		Status:          status,
		Reason:          reason,
		Timestamp:       time.Now().UnixMilli(),
	})
}

// initiatorHandshake runs the IK pattern against a responder whose static
// key is already pinned: -> e, es, s, ss then <- e, ee, se.
func initiatorHandshake(conn net.Conn, identity Identity, peerStatic []byte) (*secureConn, Hello, error) {
	if len(peerStatic) != staticKeySize {
		return nil, Hello{}, fmt.Errorf("peer public key must be %d bytes, got %d", staticKeySize, len(peerStatic))
	}

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		Prologue:      prologue,
		StaticKeypair: identity.staticKeypair(),
		PeerStatic:    bytes.Clone(peerStatic),
	})
	if err != nil {
		return nil, Hello{}, fmt.Errorf("create handshake state: %w", err)
	}

	hello, err := identity.hello("", "")
	if err != nil {
		return nil, Hello{}, err
	}
	first, _, _, err := state.WriteMessage(nil, hello)
	if err != nil {
		return nil, Hello{}, fmt.Errorf("write handshake: %w", err)
	}
	if err := WriteFrame(conn, first); err != nil {
		return nil, Hello{}, fmt.Errorf("send handshake: %w", err)
	}

	second, err := ReadControlFrame(conn)
	if err != nil {
		return nil, Hello{}, fmt.Errorf("read handshake response: %w", err)
	}
	payload, sendCipher, recvCipher, err := state.ReadMessage(nil, second)
	if err != nil {
		return nil, Hello{}, fmt.Errorf("verify handshake response: %w", err)
	}

	var reply Hello
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, Hello{}, fmt.Errorf("decode handshake response: %w", err)
	}
	if reply.Status != helloStatusAccepted {
		return nil, reply, fmt.Errorf("%w: %s", ErrPeerRejected, reply.Reason)
	}
	if reply.ProtocolVersion != ProtocolVersion {
		return nil, reply, fmt.Errorf("%w: %d", ErrUnsupportedVersion, reply.ProtocolVersion)
	}

	return newSecureConn(conn, sendCipher, recvCipher), reply, nil
}

// authorizeFunc decides whether the initiator that sent hello from static
// key remoteStatic may open a session.
type authorizeFunc func(hello Hello, remoteStatic []byte) error

// responderHandshake reads the initiator's message, asks authorize, and
// always answers so a rejected initiator learns why.
func responderHandshake(conn net.Conn, identity Identity, authorize authorizeFunc) (*secureConn, Hello, error) {
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		Prologue:      prologue,
		StaticKeypair: identity.staticKeypair(),
	})
	if err != nil {
		return nil, Hello{}, fmt.Errorf("create handshake state: %w", err)
	}

	first, err := ReadControlFrame(conn)
	if err != nil {
		return nil, Hello{}, fmt.Errorf("read handshake: %w", err)
	}
	payload, _, _, err := state.ReadMessage(nil, first)
	if err != nil {
		return nil, Hello{}, fmt.Errorf("verify handshake: %w", err)
	}

	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, Hello{}, fmt.Errorf("decode handshake: %w", err)
	}

	var rejectErr error
	reason := ""
	switch {
	case hello.Type != TypeHello:
		rejectErr = fmt.Errorf("%w: %q", ErrInvalidMessageType, hello.Type)
		reason = rejectErr.Error()
	case hello.ProtocolVersion != ProtocolVersion:
		rejectErr = fmt.Errorf("%w: %d", ErrUnsupportedVersion, hello.ProtocolVersion)
		reason = versionMismatchReason(hello.ProtocolVersion)
	default:
		if err := authorize(hello, state.PeerStatic()); err != nil {
			rejectErr = err
			reason = err.Error()
		}
	}

	status := helloStatusAccepted
	if rejectErr != nil {
		status = helloStatusRejected
	}
	reply, err := identity.hello(status, reason)
	if err != nil {
		return nil, hello, err
	}
	second, recvCipher, sendCipher, err := state.WriteMessage(nil, reply)
	if err != nil {
		return nil, hello, fmt.Errorf("write handshake response: %w", err)
	}
	if err := WriteFrame(conn, second); err != nil {
		return nil, hello, fmt.Errorf("send handshake response: %w", err)
	}
	if rejectErr != nil {
		return nil, hello, rejectErr
	}

	return newSecureConn(conn, sendCipher, recvCipher), hello, nil
}
