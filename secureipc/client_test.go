// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

package secureipc

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestClientCallRoundTrip(t *testing.T) {
	t.Parallel()

	echo := func(ctx context.Context, request []byte) ([]byte, error) {
		return append([]byte("echo:"), request...), nil
	}
	srv, addr := startTestServer(t, echo)

	client := NewClient(addr, srv.AuthToken())
	response, err := client.Call(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !bytes.Equal(response, []byte("echo:hello")) {
		t.Errorf("response = %q, want %q", response, "echo:hello")
	}
}

func TestClientCallEachCallOpensFreshConnection(t *testing.T) {
	t.Parallel()

	calls := 0
	srv, addr := startTestServer(t, func(context.Context, []byte) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	})

	client := NewClient(addr, srv.AuthToken())
	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), []byte("ping")); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}
	if calls != 3 {
		t.Errorf("handler invoked %d times, want 3", calls)
	}
}

func TestClientCallWrongTokenFails(t *testing.T) {
	t.Parallel()

	_, addr := startTestServer(t, func(context.Context, []byte) ([]byte, error) {
		return []byte("ok"), nil
	})

	client := NewClient(addr, bytes.Repeat([]byte{0xAA}, tokenLength))
	if _, err := client.Call(context.Background(), []byte("ping")); err == nil {
		t.Error("Call with wrong token succeeded, want an error")
	}
}

func TestClientCallHandlerErrorClosesConnection(t *testing.T) {
	t.Parallel()

	srv, addr := startTestServer(t, func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	client := NewClient(addr, srv.AuthToken())
	if _, err := client.Call(context.Background(), []byte("ping")); err == nil {
		t.Error("Call against an erroring handler succeeded, want an error")
	}
}
