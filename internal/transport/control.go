package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MessageType enumerates control-stream message kinds. This
// generalizes the teacher's control-stream enum with a dedicated
// heartbeat pair, since this module's Connection Supervisor drives
// liveness over the same stream that carries acks/nacks/status.
type MessageType int

const (
	MessageTypeAck MessageType = iota + 1
	MessageTypeNack
	MessageTypeStatus
	MessageTypeHeartbeat
	MessageTypeHeartbeatAck
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeAck:
		return "Ack"
	case MessageTypeNack:
		return "Nack"
	case MessageTypeStatus:
		return "Status"
	case MessageTypeHeartbeat:
		return "Heartbeat"
	case MessageTypeHeartbeatAck:
		return "HeartbeatAck"
	default:
		return "Unknown"
	}
}

// Outbound header names per spec.md §6.
const (
	HeaderVersion       = "X-LocalSend-Version"
	HeaderSecurityLevel = "X-Security-Level"
)

// ControlMessage is the length-prefixed JSON envelope carried on the
// control stream.
type ControlMessage struct {
	Type         MessageType       `json:"type"`
	SessionID    string            `json:"session_id"`
	ChunkIndex   int64             `json:"chunk_index,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Sequence     uint64            `json:"sequence,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	ResponseRequired bool          `json:"response_required,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// WithVersionHeaders annotates an outbound control message with the
// version and security-level headers named in spec.md §6.
func WithVersionHeaders(msg ControlMessage, version, securityLevel string) ControlMessage {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string, 2)
	}
	msg.Headers[HeaderVersion] = version
	if securityLevel != "" {
		msg.Headers[HeaderSecurityLevel] = securityLevel
	}
	return msg
}

// ControlWriter serializes control messages as a 4-byte big-endian
// length prefix followed by the JSON payload, onto any io.Writer (in
// production, a QUIC stream).
type ControlWriter struct {
	w io.Writer
}

func NewControlWriter(w io.Writer) *ControlWriter { return &ControlWriter{w: w} }

func (cw *ControlWriter) WriteMessage(msg ControlMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal control message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := cw.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write control length prefix: %w", err)
	}
	if _, err := cw.w.Write(payload); err != nil {
		return fmt.Errorf("transport: write control payload: %w", err)
	}
	return nil
}

// ControlReader deserializes messages written by ControlWriter.
type ControlReader struct {
	r *bufio.Reader
}

func NewControlReader(r io.Reader) *ControlReader {
	return &ControlReader{r: bufio.NewReader(r)}
}

func (cr *ControlReader) ReadMessage() (ControlMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
		return ControlMessage{}, fmt.Errorf("transport: read control length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(cr.r, payload); err != nil {
		return ControlMessage{}, fmt.Errorf("transport: read control payload: %w", err)
	}
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("transport: unmarshal control message: %w", err)
	}
	return msg, nil
}
