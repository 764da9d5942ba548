// Package wire implements the BitTorrent wire protocol: the initial
// handshake, the fixed message set and the BEP-10 extended handshake. It is
// a pure codec — it holds no connection state of its own beyond the partial
// bytes of a frame still being assembled.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/monzo-labs/torrentcore/core"
)

const protocolID = "BitTorrent protocol"

// extendedBit is bit 0x10 of reserved byte 5 (the 44th bit counting from the
// first reserved byte), used by BEP-10 to advertise extended-message support.
const extendedBit = 0x10

// Handshake is the 68-byte preamble exchanged before any length-prefixed
// message flows on a connection.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
	Extended bool
}

// ErrBadProtocol is returned when the remote's handshake does not identify
// itself as BitTorrent protocol.
var ErrBadProtocol = errors.New("wire: unrecognized handshake protocol string")

// WriteTo serializes h onto w.
func (h Handshake) WriteTo(w io.Writer) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolID)))
	buf = append(buf, protocolID...)
	reserved := make([]byte, 8)
	if h.Extended {
		reserved[5] |= extendedBit
	}
	buf = append(buf, reserved...)
	buf = append(buf, h.InfoHash.Bytes()...)
	buf = append(buf, h.PeerID.Bytes()...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and parses a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, fmt.Errorf("read pstrlen: %s", err)
	}
	pstrlen := int(lenBuf[0])
	rest := make([]byte, pstrlen+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, fmt.Errorf("read handshake body: %s", err)
	}
	pstr := string(rest[:pstrlen])
	if pstr != protocolID {
		return Handshake{}, ErrBadProtocol
	}
	reserved := rest[pstrlen : pstrlen+8]
	infoHashBytes := rest[pstrlen+8 : pstrlen+8+20]
	peerIDBytes := rest[pstrlen+8+20 : pstrlen+8+20+20]

	var infoHash core.InfoHash
	copy(infoHash[:], infoHashBytes)
	var peerID core.PeerID
	copy(peerID[:], peerIDBytes)

	return Handshake{
		InfoHash: infoHash,
		PeerID:   peerID,
		Extended: reserved[5]&extendedBit != 0,
	}, nil
}

// WriteHandshake is a convenience wrapper matching ReadHandshake's shape.
func WriteHandshake(w io.Writer, h Handshake) error {
	return h.WriteTo(w)
}
