package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

var quicConfig = &quic.Config{
	KeepAlivePeriod:                10 * time.Second,
	MaxIdleTimeout:                 60 * time.Second,
	InitialStreamReceiveWindow:     8 << 20,
	InitialConnectionReceiveWindow: 128 << 20,
}

// Peer wraps one QUIC connection, exposing the two capabilities the
// session engine needs: a dedicated control stream (opened first, by
// convention stream 0) and per-chunk data streams opened on demand for
// put_chunk/get_chunk.
type Peer struct {
	conn    *quic.Conn
	control *ControlWriter
	controlR *ControlReader
}

// Dial establishes an outbound QUIC connection and opens its control
// stream.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open control stream: %w", err)
	}
	return &Peer{conn: conn, control: NewControlWriter(stream), controlR: NewControlReader(stream)}, nil
}

// Listener accepts inbound peers.
type Listener struct {
	ln *quic.Listener
}

// Listen starts a QUIC listener bound to addr.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept accepts one inbound connection and its control stream.
func (l *Listener) Accept(ctx context.Context) (*Peer, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept control stream: %w", err)
	}
	return &Peer{conn: conn, control: NewControlWriter(stream), controlR: NewControlReader(stream)}, nil
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }
func (l *Listener) Close() error { return l.ln.Close() }

// PutChunk opens a new stream and writes one chunk frame. The caller
// is responsible for correlating the subsequent Ack/Nack off the
// control stream with this chunk's index.
func (p *Peer) PutChunk(ctx context.Context, sessionID [16]byte, index int64, payload []byte) error {
	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("transport: open chunk stream: %w", err)
	}
	defer stream.Close()
	if err := WriteChunk(stream, sessionID, index, payload); err != nil {
		return err
	}
	return nil
}

// GetChunk accepts the next inbound chunk stream and reads its frame.
func (p *Peer) GetChunk(ctx context.Context) (Header, []byte, error) {
	stream, err := p.conn.AcceptStream(ctx)
	if err != nil {
		return Header{}, nil, fmt.Errorf("transport: accept chunk stream: %w", err)
	}
	defer stream.Close()
	return ReadChunk(stream)
}

// SendHeartbeat implements connsup.Sender over the control stream.
func (p *Peer) SendHeartbeat(ctx context.Context, connectionID string, sequence uint64, responseRequired bool) error {
	return p.control.WriteMessage(ControlMessage{
		Type:             MessageTypeHeartbeat,
		SessionID:        connectionID,
		Sequence:         sequence,
		ResponseRequired: responseRequired,
	})
}

// SendTermination implements connsup.Sender over the control stream.
func (p *Peer) SendTermination(ctx context.Context, connectionID string, reason string) error {
	return p.control.WriteMessage(ControlMessage{
		Type:      MessageTypeStatus,
		SessionID: connectionID,
		Reason:    reason,
	})
}

// ReadControl reads the next control message off this peer's control
// stream, for a background dispatch loop to classify and route.
func (p *Peer) ReadControl() (ControlMessage, error) {
	return p.controlR.ReadMessage()
}

// WriteControl sends an arbitrary control message, annotated with the
// version/security-level headers.
func (p *Peer) WriteControl(msg ControlMessage, version, securityLevel string) error {
	return p.control.WriteMessage(WithVersionHeaders(msg, version, securityLevel))
}

// Close tears down the underlying QUIC connection.
func (p *Peer) Close(reason string) error {
	return p.conn.CloseWithError(0, reason)
}
