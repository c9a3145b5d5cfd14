// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package secureipc

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// dialTimeout bounds only the connect phase, separate from the
// steady-state read/write timeouts below.
const dialTimeout = 5 * time.Second

// handshakeReadTimeout and callReadTimeout bound how long a Call waits
// for the server's handshake response and frame response respectively.
const (
	handshakeReadTimeout = 5 * time.Second
	callReadTimeout      = 30 * time.Second
)

// Client calls a Server's Handler over an authenticated, encrypted Unix
// domain socket connection. Each Call opens a fresh connection,
// performs the token handshake, sends one frame, reads the response,
// and closes — mirroring the server's one-goroutine-per-connection
// model rather than holding a session open between calls.
type Client struct {
	addr      string
	authToken []byte
}

// NewClient returns a Client that dials addr and authenticates with
// authToken, the value returned by the server's AuthToken.
func NewClient(addr string, authToken []byte) *Client {
	return &Client{addr: addr, authToken: append([]byte(nil), authToken...)}
}

// Call sends request as one encrypted frame and returns the decrypted
// response. ctx bounds the whole round trip.
func (c *Client) Call(ctx context.Context, request []byte) ([]byte, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.addr)
	if err != nil {
		return nil, fmt.Errorf("secureipc: connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	aead, err := c.handshake(conn)
	if err != nil {
		return nil, fmt.Errorf("secureipc: handshake with %s: %w", c.addr, err)
	}

	if err := c.sendFrame(conn, aead, request); err != nil {
		return nil, fmt.Errorf("secureipc: sending request to %s: %w", c.addr, err)
	}

	response, err := c.readFrame(conn, aead)
	if err != nil {
		return nil, fmt.Errorf("secureipc: reading response from %s: %w", c.addr, err)
	}
	return response, nil
}

// handshake writes length(u16)||token, reads back the server's
// encrypted session key and the literal "OK" frame, and returns the
// cipher.AEAD every steady-state frame on this connection uses.
func (c *Client) handshake(conn net.Conn) (cipher.AEAD, error) {
	conn.SetDeadline(time.Now().Add(handshakeReadTimeout))
	defer conn.SetDeadline(time.Time{})

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(c.authToken)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("writing token length: %w", err)
	}
	if _, err := conn.Write(c.authToken); err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}

	var respLenBuf [4]byte
	if _, err := io.ReadFull(conn, respLenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading handshake response length: %w", err)
	}
	respLen := binary.BigEndian.Uint32(respLenBuf[:])
	if respLen < gcmNonceLength {
		return nil, fmt.Errorf("handshake response too short (%d bytes)", respLen)
	}

	body := make([]byte, respLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("reading handshake response: %w", err)
	}
	iv := body[:gcmNonceLength]
	ciphertext := body[gcmNonceLength:]

	handshakeKey := sha256.Sum256(c.authToken)
	handshakeBlock, err := aes.NewCipher(handshakeKey[:])
	if err != nil {
		return nil, fmt.Errorf("building handshake cipher: %w", err)
	}
	handshakeAEAD, err := cipher.NewGCM(handshakeBlock)
	if err != nil {
		return nil, fmt.Errorf("building handshake AEAD: %w", err)
	}

	sessionKey, err := handshakeAEAD.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting session key: %w", err)
	}

	var okLenBuf [2]byte
	if _, err := io.ReadFull(conn, okLenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading OK frame length: %w", err)
	}
	okLen := binary.BigEndian.Uint16(okLenBuf[:])
	okBody := make([]byte, okLen)
	if _, err := io.ReadFull(conn, okBody); err != nil {
		return nil, fmt.Errorf("reading OK frame: %w", err)
	}
	if string(okBody) != "OK" {
		return nil, fmt.Errorf("unexpected handshake acknowledgement %q", okBody)
	}

	sessionBlock, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("building session cipher: %w", err)
	}
	return cipher.NewGCM(sessionBlock)
}

func (c *Client) sendFrame(conn net.Conn, aead cipher.AEAD, plaintext []byte) error {
	iv := make([]byte, gcmNonceLength)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("generating frame iv: %w", err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	frame := make([]byte, 4+gcmNonceLength+len(ciphertext))
	binary.BigEndian.PutUint32(frame[:4], uint32(gcmNonceLength+len(ciphertext)))
	copy(frame[4:4+gcmNonceLength], iv)
	copy(frame[4+gcmNonceLength:], ciphertext)

	_, err := conn.Write(frame)
	return err
}

func (c *Client) readFrame(conn net.Conn, aead cipher.AEAD) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(callReadTimeout))
	defer conn.SetDeadline(time.Time{})

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < gcmNonceLength {
		return nil, fmt.Errorf("response frame too short (%d bytes)", frameLen)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	iv := body[:gcmNonceLength]
	ciphertext := body[gcmNonceLength:]

	return aead.Open(nil, iv, ciphertext, nil)
}
