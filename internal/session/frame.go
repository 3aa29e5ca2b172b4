// Package session implements the length-prefixed, bidirectional framing
// and request/response multiplexing over a single TCP connection
// (spec.md §6.1): either side may issue a request at any time and match
// its response by message id, independent of the order replies arrive
// in.
//
// Grounded on the teacher's internal/communication/service.go for the
// read-loop/write-loop shape (one goroutine draining the wire, handlers
// dispatched off that goroutine) and on original_source/src/iopmessage
// framing conventions for the wire layout itself.
package session

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/geomesh-network/geomesh/internal/model"
)

const (
	// protocolMagic is the single version byte prefixing every frame.
	// A peer that reads a different value has desynced or is speaking
	// an incompatible protocol version and must close the connection.
	protocolMagic byte = 0x01

	// frameHeaderLen is protocolMagic (1 byte) + body length (4 bytes,
	// little-endian).
	frameHeaderLen = 5

	// maxBodyLen bounds a single frame's body to guard against a
	// malicious or corrupt length field forcing unbounded allocation.
	maxBodyLen = 1 << 20 // 1 MiB
)

// writeFrame writes one length-prefixed frame to w.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > maxBodyLen {
		return fmt.Errorf("%w: frame body %d bytes exceeds %d byte limit", model.ErrProtocolViolation, len(body), maxBodyLen)
	}
	header := make([]byte, frameHeaderLen)
	header[0] = protocolMagic
	binary.LittleEndian.PutUint32(header[1:], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("%w: writing frame header: %v", model.ErrConnection, err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: writing frame body: %v", model.ErrConnection, err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading frame header: %v", model.ErrConnection, err)
	}
	if header[0] != protocolMagic {
		return nil, fmt.Errorf("%w: unexpected protocol byte 0x%02x", model.ErrProtocolViolation, header[0])
	}
	bodyLen := binary.LittleEndian.Uint32(header[1:])
	if bodyLen > maxBodyLen {
		return nil, fmt.Errorf("%w: frame body %d bytes exceeds %d byte limit", model.ErrProtocolViolation, bodyLen, maxBodyLen)
	}
	if bodyLen == 0 {
		return nil, nil
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %v", model.ErrConnection, err)
	}
	return body, nil
}
