// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package secureipc

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronos-agent/chronos/internal/clock"
)

// testClient drives the same wire protocol handshake.go/serveFrame expect,
// standing in for a host process on the other end of the socket.
type testClient struct {
	conn net.Conn
	aead cipher.AEAD
}

func dialAndHandshake(t *testing.T, addr string, authToken []byte) *testClient {
	t.Helper()

	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(authToken)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("writing token length: %v", err)
	}
	if _, err := conn.Write(authToken); err != nil {
		t.Fatalf("writing token: %v", err)
	}

	var respLenBuf [4]byte
	if _, err := io.ReadFull(conn, respLenBuf[:]); err != nil {
		t.Fatalf("reading handshake response length: %v", err)
	}
	respLen := binary.BigEndian.Uint32(respLenBuf[:])
	body := make([]byte, respLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("reading handshake response body: %v", err)
	}
	iv, ciphertext := body[:gcmNonceLength], body[gcmNonceLength:]

	handshakeKey := sha256.Sum256(authToken)
	block, err := aes.NewCipher(handshakeKey[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	handshakeAEAD, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("cipher.NewGCM: %v", err)
	}
	sessionKey, err := handshakeAEAD.Open(nil, iv, ciphertext, nil)
	if err != nil {
		t.Fatalf("decrypting session key: %v", err)
	}

	var okLenBuf [2]byte
	if _, err := io.ReadFull(conn, okLenBuf[:]); err != nil {
		t.Fatalf("reading OK length: %v", err)
	}
	okBody := make([]byte, binary.BigEndian.Uint16(okLenBuf[:]))
	if _, err := io.ReadFull(conn, okBody); err != nil {
		t.Fatalf("reading OK body: %v", err)
	}
	if string(okBody) != "OK" {
		t.Fatalf("OK body = %q, want OK", okBody)
	}

	sessionBlock, err := aes.NewCipher(sessionKey)
	if err != nil {
		t.Fatalf("aes.NewCipher(session): %v", err)
	}
	sessionAEAD, err := cipher.NewGCM(sessionBlock)
	if err != nil {
		t.Fatalf("cipher.NewGCM(session): %v", err)
	}

	return &testClient{conn: conn, aead: sessionAEAD}
}

func (c *testClient) sendFrame(t *testing.T, plaintext []byte) {
	t.Helper()
	iv := make([]byte, gcmNonceLength)
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("generating iv: %v", err)
	}
	ciphertext := c.aead.Seal(nil, iv, plaintext, nil)
	frame := make([]byte, 4+gcmNonceLength+len(ciphertext))
	binary.BigEndian.PutUint32(frame[:4], uint32(gcmNonceLength+len(ciphertext)))
	copy(frame[4:4+gcmNonceLength], iv)
	copy(frame[4+gcmNonceLength:], ciphertext)
	if _, err := c.conn.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// sendRawFrame writes a frame whose declared length does not necessarily
// match len(body), to exercise the server's size-bound checks.
func (c *testClient) sendRawFrame(t *testing.T, declaredLen uint32, body []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], declaredLen)
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("writing raw length: %v", err)
	}
	if _, err := c.conn.Write(body); err != nil {
		t.Fatalf("writing raw body: %v", err)
	}
}

func (c *testClient) readFrame(t *testing.T) []byte {
	t.Helper()
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		t.Fatalf("reading response length: %v", err)
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, frameLen)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	iv, ciphertext := body[:gcmNonceLength], body[gcmNonceLength:]
	plaintext, err := c.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		t.Fatalf("decrypting response: %v", err)
	}
	return plaintext
}

func startTestServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()

	srv, err := New(Config{Handler: handler})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	socketPath := filepath.Join(t.TempDir(), "chronos.sock")
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		// Start blocks in Accept; give it a moment via retry-dial below
		// rather than synchronizing on an internal signal.
		close(started)
		_ = srv.Start(ctx, socketPath)
	}()
	<-started

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never started listening: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		srv.Close()
		srv.CloseSecrets()
	})

	return srv, socketPath
}

func TestHandshakeAndFrameRoundTrip(t *testing.T) {
	t.Parallel()

	echo := func(ctx context.Context, request []byte) ([]byte, error) {
		return append([]byte("echo:"), request...), nil
	}
	srv, addr := startTestServer(t, echo)

	client := dialAndHandshake(t, addr, srv.AuthToken())
	defer client.conn.Close()

	client.sendFrame(t, []byte("hello"))
	response := client.readFrame(t)
	if !bytes.Equal(response, []byte("echo:hello")) {
		t.Errorf("response = %q, want %q", response, "echo:hello")
	}
}

func TestHandshakeRejectsWrongToken(t *testing.T) {
	t.Parallel()

	srv, addr := startTestServer(t, func(context.Context, []byte) ([]byte, error) {
		return nil, nil
	})
	_ = srv

	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	wrongToken := bytes.Repeat([]byte{0xAA}, tokenLength)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(wrongToken)))
	conn.Write(lenBuf[:])
	conn.Write(wrongToken)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed after a failed handshake")
	}
}

func TestServeFrameRejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	srv, addr := startTestServer(t, func(context.Context, []byte) ([]byte, error) {
		return []byte("ok"), nil
	})

	client := dialAndHandshake(t, addr, srv.AuthToken())
	defer client.conn.Close()

	oversizedLen := uint32(gcmNonceLength + maxPlaintextLength + client.aead.Overhead() + 1)
	client.sendRawFrame(t, oversizedLen, bytes.Repeat([]byte{0}, gcmNonceLength))

	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed after an oversized frame")
	}
}

func TestHandlerErrorClosesConnection(t *testing.T) {
	t.Parallel()

	srv, addr := startTestServer(t, func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	client := dialAndHandshake(t, addr, srv.AuthToken())
	defer client.conn.Close()

	client.sendFrame(t, []byte("trigger"))

	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed after a handler error")
	}
}

func TestRateLimiterAllowsUpToBudgetAndResetsAfterWindow(t *testing.T) {
	t.Parallel()

	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := newRateLimiter(fc, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("Allow() #%d = false, want true within budget", i)
		}
	}
	if limiter.Allow() {
		t.Error("Allow() = true past budget, want false")
	}

	fc.Advance(time.Minute)
	if !limiter.Allow() {
		t.Error("Allow() after window rollover = false, want true")
	}
}

func TestRateLimiterExceedingBudgetClosesConnection(t *testing.T) {
	t.Parallel()

	calls := 0
	srv, err := New(Config{Handler: func(context.Context, []byte) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	socketPath := filepath.Join(t.TempDir(), "chronos.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer srv.CloseSecrets()

	go srv.Start(ctx, socketPath)

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never started listening: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer srv.Close()

	client := dialAndHandshake(t, socketPath, srv.AuthToken())
	defer client.conn.Close()

	for i := 0; i < rateLimitBudget; i++ {
		client.sendFrame(t, []byte("x"))
		client.readFrame(t)
	}

	client.sendFrame(t, []byte("x"))
	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed once the rate limit budget is exhausted")
	}
}
