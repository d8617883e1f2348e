// Package transport implements the wire contract consumed by the
// session engine: put_chunk/get_chunk over per-chunk QUIC streams, and
// a dedicated control stream carrying heartbeats, acks/nacks, and
// status, framed as length-prefixed JSON. This resolves spec.md §9's
// wire-framing open question concretely: magic "TXFR", a version
// byte, session id, chunk index, and payload length.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// magic identifies a chunk frame on the wire: ASCII "TXFR".
const magic uint32 = 0x54584652

// wireVersion is the framing format version this module emits.
const wireVersion uint8 = 1

// headerSize is magic(4) + version(1) + sessionID(16) + index(8) + length(4).
const headerSize = 4 + 1 + 16 + 8 + 4

// Header describes one chunk frame preceding its payload.
type Header struct {
	Version    uint8
	SessionID  [16]byte
	ChunkIndex int64
	Length     uint32
}

// EncodeHeader writes a chunk frame header to w.
func EncodeHeader(w io.Writer, h Header) error {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	buf[4] = wireVersion
	copy(buf[5:21], h.SessionID[:])
	binary.BigEndian.PutUint64(buf[21:29], uint64(h.ChunkIndex))
	binary.BigEndian.PutUint32(buf[29:33], h.Length)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("transport: write chunk header: %w", err)
	}
	return nil
}

// DecodeHeader reads and validates a chunk frame header from r.
func DecodeHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("transport: read chunk header: %w", err)
	}
	gotMagic := binary.BigEndian.Uint32(buf[0:4])
	if gotMagic != magic {
		return Header{}, fmt.Errorf("transport: bad magic %#x, want %#x", gotMagic, magic)
	}
	var h Header
	h.Version = buf[4]
	copy(h.SessionID[:], buf[5:21])
	h.ChunkIndex = int64(binary.BigEndian.Uint64(buf[21:29]))
	h.Length = binary.BigEndian.Uint32(buf[29:33])
	return h, nil
}

// WriteChunk writes one complete chunk frame (header + payload) to w.
func WriteChunk(w io.Writer, sessionID [16]byte, index int64, payload []byte) error {
	if err := EncodeHeader(w, Header{
		Version:    wireVersion,
		SessionID:  sessionID,
		ChunkIndex: index,
		Length:     uint32(len(payload)),
	}); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write chunk payload: %w", err)
	}
	return nil
}

// ReadChunk reads one complete chunk frame from r.
func ReadChunk(r io.Reader) (Header, []byte, error) {
	h, err := DecodeHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("transport: read chunk payload: %w", err)
	}
	return h, payload, nil
}
