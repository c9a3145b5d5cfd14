// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package secureipc serves the agent's host-facing API over a Unix
// domain socket, authenticated by an opaque session token and encrypted
// end to end with AES-256-GCM, so a host process on the same machine
// can query and control recording/replay without either side trusting
// the filesystem permissions on the socket alone.
package secureipc

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronos-agent/chronos/internal/clock"
	"github.com/chronos-agent/chronos/internal/secretbuf"
)

var (
	// ErrRateLimited is returned to a connection that exceeds the
	// per-minute message budget; the connection is closed immediately
	// after.
	ErrRateLimited = errors.New("secureipc: rate limit exceeded")

	errTokenMismatch = errors.New("secureipc: handshake token mismatch")
)

const (
	tokenLength        = 16 // 128-bit opaque session token
	sessionKeyLength   = 32 // AES-256
	gcmNonceLength     = 12
	maxPlaintextLength = 1 << 20 // 1 MiB
	rateLimitWindow    = 60 * time.Second
	rateLimitBudget    = 1000
)

// Handler processes one decrypted request frame and returns the
// response to encrypt and send back.
type Handler func(ctx context.Context, request []byte) (response []byte, err error)

// Server accepts Unix domain socket connections, performs the
// token/key handshake, and dispatches steady-state frames to Handler.
type Server struct {
	handler Handler
	clock   clock.Clock
	logger  *slog.Logger

	token      *secretbuf.Buffer
	sessionKey *secretbuf.Buffer

	mu       sync.Mutex
	listener net.Listener
}

// Config configures a Server.
type Config struct {
	Handler Handler
	Clock   clock.Clock
	Logger  *slog.Logger
}

// New generates a fresh session token and AES-256 key, both held in
// secretbuf.Buffer, and returns a Server ready to Start.
func New(config Config) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("secureipc: Handler is required")
	}
	c := config.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tokenBytes, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("secureipc: generating session token: %w", err)
	}
	tokenBuf, err := secretbuf.NewFromBytes(tokenBytes[:])
	if err != nil {
		return nil, fmt.Errorf("secureipc: guarding session token: %w", err)
	}

	key := make([]byte, sessionKeyLength)
	if _, err := rand.Read(key); err != nil {
		tokenBuf.Close()
		return nil, fmt.Errorf("secureipc: generating session key: %w", err)
	}
	keyBuf, err := secretbuf.NewFromBytes(key)
	if err != nil {
		tokenBuf.Close()
		return nil, fmt.Errorf("secureipc: guarding session key: %w", err)
	}

	return &Server{
		handler:    config.Handler,
		clock:      c,
		logger:     logger,
		token:      tokenBuf,
		sessionKey: keyBuf,
	}, nil
}

// CloseSecrets releases the guarded token and session key buffers. Call after
// Start's accept loop has returned.
func (s *Server) CloseSecrets() error {
	firstErr := s.token.Close()
	if err := s.sessionKey.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// AuthToken returns the session token a client must present during the
// handshake. Never logged.
func (s *Server) AuthToken() []byte {
	return append([]byte(nil), s.token.Bytes()...)
}

// Start listens on a Unix domain socket at listenPath and accepts
// connections until ctx is canceled or Close is called.
func (s *Server) Start(ctx context.Context, listenPath string) error {
	_ = os.Remove(listenPath)

	listener, err := net.Listen("unix", listenPath)
	if err != nil {
		return fmt.Errorf("secureipc: listening on %s: %w", listenPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("secureipc: accept failed", "error", err)
				return err
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Close stops the accept loop and closes the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	aead, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn("secureipc: handshake failed", "error", err)
		return
	}

	limiter := newRateLimiter(s.clock, rateLimitBudget, rateLimitWindow)

	for {
		if err := s.serveFrame(ctx, conn, aead, limiter); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("secureipc: connection ended", "error", err)
			}
			return
		}
	}
}

// handshake reads length(u16)||token from conn, verifies it in
// constant time, and on success derives a handshake key via
// sha256(token), encrypts the real session key under AES-256-GCM with
// a random 96-bit IV, writes length(u32)||iv(12)||ciphertext, then the
// literal 2-byte length-prefixed "OK". Returns the cipher.AEAD the
// connection's worker goroutine should use for every steady-state frame.
func (s *Server) handshake(conn net.Conn) (cipher.AEAD, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading token length: %w", err)
	}
	tokenLen := binary.BigEndian.Uint16(lenBuf[:])
	if int(tokenLen) != tokenLength {
		return nil, fmt.Errorf("unexpected token length %d", tokenLen)
	}

	clientToken := make([]byte, tokenLen)
	if _, err := io.ReadFull(conn, clientToken); err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	if !s.token.Equal(clientToken) {
		return nil, errTokenMismatch
	}

	handshakeKey := sha256.Sum256(clientToken)
	handshakeBlock, err := aes.NewCipher(handshakeKey[:])
	if err != nil {
		return nil, fmt.Errorf("building handshake cipher: %w", err)
	}
	handshakeAEAD, err := cipher.NewGCM(handshakeBlock)
	if err != nil {
		return nil, fmt.Errorf("building handshake AEAD: %w", err)
	}

	iv := make([]byte, gcmNonceLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating handshake iv: %w", err)
	}

	ciphertext := handshakeAEAD.Seal(nil, iv, s.sessionKey.Bytes(), nil)

	frame := make([]byte, 4+gcmNonceLength+len(ciphertext))
	binary.BigEndian.PutUint32(frame[:4], uint32(gcmNonceLength+len(ciphertext)))
	copy(frame[4:4+gcmNonceLength], iv)
	copy(frame[4+gcmNonceLength:], ciphertext)
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("writing handshake response: %w", err)
	}

	ok := []byte("OK")
	okFrame := make([]byte, 2+len(ok))
	binary.BigEndian.PutUint16(okFrame[:2], uint16(len(ok)))
	copy(okFrame[2:], ok)
	if _, err := conn.Write(okFrame); err != nil {
		return nil, fmt.Errorf("writing OK frame: %w", err)
	}

	sessionBlock, err := aes.NewCipher(s.sessionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("building session cipher: %w", err)
	}
	return cipher.NewGCM(sessionBlock)
}

// serveFrame reads one steady-state length(u32)||iv(12)||ciphertext+tag
// frame, decrypts and dispatches it to the handler, and writes back an
// encrypted response frame of the same shape.
func (s *Server) serveFrame(ctx context.Context, conn net.Conn, aead cipher.AEAD, limiter *rateLimiter) error {
	if !limiter.Allow() {
		return ErrRateLimited
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < gcmNonceLength {
		return fmt.Errorf("secureipc: frame too short (%d bytes)", frameLen)
	}
	if frameLen > uint32(gcmNonceLength+maxPlaintextLength+aead.Overhead()) {
		return fmt.Errorf("secureipc: frame exceeds maximum plaintext size")
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}
	if !limiter.Allow() {
		return ErrRateLimited
	}
	iv := body[:gcmNonceLength]
	ciphertext := body[gcmNonceLength:]

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("secureipc: decrypting frame: %w", err)
	}

	response, err := s.handler(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("secureipc: handler: %w", err)
	}

	responseIV := make([]byte, gcmNonceLength)
	if _, err := rand.Read(responseIV); err != nil {
		return fmt.Errorf("secureipc: generating response iv: %w", err)
	}
	responseCiphertext := aead.Seal(nil, responseIV, response, nil)

	out := make([]byte, 4+gcmNonceLength+len(responseCiphertext))
	binary.BigEndian.PutUint32(out[:4], uint32(gcmNonceLength+len(responseCiphertext)))
	copy(out[4:4+gcmNonceLength], responseIV)
	copy(out[4+gcmNonceLength:], responseCiphertext)

	_, err = conn.Write(out)
	return err
}
