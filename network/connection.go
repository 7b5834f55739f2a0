package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// maxChunkPlaintext keeps each sealed chunk within one Noise message.
const maxChunkPlaintext = noise.MaxMsgLen - 16

// secureConn carries Noise-encrypted messages over length-prefixed frames.
// A message is sent as a sealed 4-byte length followed by sealed chunks.
type secureConn struct {
	conn net.Conn

	writeMu sync.Mutex
	send    *noise.CipherState

	readMu sync.Mutex
	recv   *noise.CipherState

	closeOnce sync.Once
	closeErr  error
}

func newSecureConn(conn net.Conn, send, recv *noise.CipherState) *secureConn {
	return &secureConn{conn: conn, send: send, recv: recv}
}

// WriteMessage seals and writes one message.
func (c *secureConn) WriteMessage(plaintext []byte) error {
	if len(plaintext) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(plaintext)))
	if err := c.writeChunk(header); err != nil {
		return err
	}

	for offset := 0; offset < len(plaintext); offset += maxChunkPlaintext {
		end := offset + maxChunkPlaintext
		if end > len(plaintext) {
			end = len(plaintext)
		}
		if err := c.writeChunk(plaintext[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *secureConn) writeChunk(chunk []byte) error {
	sealed, err := c.send.Encrypt(nil, nil, chunk)
	if err != nil {
		return fmt.Errorf("seal frame: %w", err)
	}
	return WriteFrame(c.conn, sealed)
}

// ReadMessage reads and opens one message. Deadlines are the caller's.
func (c *secureConn) ReadMessage() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	header, err := c.readChunk()
	if err != nil {
		return nil, err
	}
	if len(header) != 4 {
		return nil, fmt.Errorf("invalid message header length %d", len(header))
	}
	total := binary.BigEndian.Uint32(header)
	if total > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	message := make([]byte, 0, int(total))
	for uint32(len(message)) < total {
		chunk, err := c.readChunk()
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 || uint32(len(message)+len(chunk)) > total {
			return nil, errors.New("message chunk does not match announced length")
		}
		message = append(message, chunk...)
	}
	return message, nil
}

func (c *secureConn) readChunk() ([]byte, error) {
	sealed, err := ReadControlFrame(c.conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.recv.Decrypt(nil, nil, sealed)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	return plaintext, nil
}

// SetDeadline sets read and write deadlines on the underlying connection.
func (c *secureConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *secureConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying connection once.
func (c *secureConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
