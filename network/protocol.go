package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxControlFrameSize caps handshake frames, which never carry user data.
	MaxControlFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeHello         = "hello"
	TypeDirectMessage = "direct_message"
	TypeAck           = "ack"
	TypeError         = "error"
)

const (
	helloStatusAccepted = "accepted"
	helloStatusRejected = "rejected"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrSequenceReplay indicates a non-monotonic sequence value.
	ErrSequenceReplay = errors.New("network: sequence replay detected")
	// ErrPeerRejected indicates the remote side refused the session.
	ErrPeerRejected = errors.New("network: peer rejected session")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Hello is the payload carried inside each Noise handshake message.
type Hello struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	ProtocolVersion int    `json:"protocol_version"`
	Status          string `json:"status,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// DirectMessage carries one JSON message payload to a live peer. The payload
// is embedded as is, so the message body is base64 encoded only once.
type DirectMessage struct {
	Type      string          `json:"type"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// AckMessage confirms a DirectMessage was handed to the application.
type AckMessage struct {
	Type      string `json:"type"`
	Sequence  uint64 `json:"sequence"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol or delivery errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (e ErrorMessage) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxFrameSize)
}

// ReadControlFrame reads one frame no larger than MaxControlFrameSize.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxControlFrameSize)
}

func readFrameLimit(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

func versionMismatchReason(got int) string {
	return fmt.Sprintf("unsupported protocol version: expected %d, got %d", ProtocolVersion, got)
}
