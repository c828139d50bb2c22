package karmachat

import (
	"context"
	"net/url"
)

// Transport carries raw JSON frames between the session and the gateway.
// It knows nothing about opcodes. Implementations must allow Send to be
// called concurrently with Receive.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string
	// Open connects using the session query parameters.
	Open(ctx context.Context, params url.Values) error
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until the next frame arrives or the connection fails.
	Receive(ctx context.Context) ([]byte, error)
	// Close shuts the connection down gracefully, waiting for the peer's
	// acknowledgement where the protocol has one.
	Close(ctx context.Context) error
}

// TransportFactory builds a fresh, unopened Transport for every connection.
type TransportFactory func() Transport
