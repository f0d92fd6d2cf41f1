package wsync

import "context"

// Transport is the pluggable duplex carrier a host framework hands to a
// Session after accepting an incoming connection. Implementations wrap a
// WebSocket-like connection (see transportws for a gorilla/websocket
// adapter).
type Transport interface {
	// ReceiveText blocks until a text frame arrives, the transport closes,
	// or ctx is cancelled.
	ReceiveText(ctx context.Context) (string, error)
	// ReceiveBytes blocks until a binary frame arrives. Used only while a
	// binary slot is armed by a preceding BIN_META envelope.
	ReceiveBytes(ctx context.Context) ([]byte, error)
	SendText(ctx context.Context, s string) error
	SendBytes(ctx context.Context, b []byte) error
	Close() error
}

// FrameKind distinguishes the two frame types a transport can deliver,
// letting the dispatcher's read loop peek at what arrived without
// committing to ReceiveText or ReceiveBytes ahead of time. Exported so
// out-of-package Transport/Framed adapters (transportws and similar) can
// implement Framed directly.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Framed is an optional capability a Transport may implement to let the
// dispatcher read the next frame without knowing its kind in advance, which
// is required to detect an unpaired binary frame or a text frame arriving
// while a binary slot is armed.
type Framed interface {
	ReceiveFrame(ctx context.Context) (kind FrameKind, text string, data []byte, err error)
}
