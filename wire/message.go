package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageID identifies the type of a fixed BitTorrent message.
type MessageID byte

// Fixed message types, numbered per the wire protocol.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extended      MessageID = 20
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// Message is a decoded fixed or extended wire message. KeepAlive is true
// for the zero-length frame that carries no ID.
type Message struct {
	KeepAlive bool
	ID        MessageID

	// Have
	Index uint32

	// Bitfield
	Bits []byte

	// Request / Cancel
	Begin  uint32
	Length uint32

	// Piece
	Block []byte

	// Port
	ListenPort uint16

	// Extended
	ExtendedID      byte
	ExtendedPayload []byte
}

// ErrFrameTooLarge is returned by Decode when a frame's declared length
// exceeds the caller-supplied limit, a protocol error per spec.
var ErrFrameTooLarge = errors.New("wire: frame length exceeds limit")

// ErrShortPayload is returned when a fixed message's payload is too small
// for its declared ID.
var ErrShortPayload = errors.New("wire: payload too short for message type")

const lengthPrefixSize = 4

// Decode attempts to parse a single length-prefixed frame from buf. It
// returns the parsed message and the number of bytes consumed. If buf does
// not yet contain a complete frame, it returns (nil, 0, nil) — the caller
// should read more bytes and retry. maxFrameLength bounds the declared
// frame length to guard against a hostile or corrupt length prefix.
func Decode(buf []byte, maxFrameLength uint32) (*Message, int, error) {
	if len(buf) < lengthPrefixSize {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if length > maxFrameLength {
		return nil, 0, ErrFrameTooLarge
	}
	if length == 0 {
		return &Message{KeepAlive: true}, lengthPrefixSize, nil
	}
	total := lengthPrefixSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	id := MessageID(buf[lengthPrefixSize])
	payload := buf[lengthPrefixSize+1 : total]

	m, err := decodePayload(id, payload)
	if err != nil {
		return nil, 0, err
	}
	return m, total, nil
}

func decodePayload(id MessageID, payload []byte) (*Message, error) {
	m := &Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		// No payload.
	case Have:
		if len(payload) < 4 {
			return nil, ErrShortPayload
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		m.Bits = append([]byte(nil), payload...)
	case Request, Cancel:
		if len(payload) < 12 {
			return nil, ErrShortPayload
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return nil, ErrShortPayload
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = append([]byte(nil), payload[8:]...)
	case Port:
		if len(payload) < 2 {
			return nil, ErrShortPayload
		}
		m.ListenPort = binary.BigEndian.Uint16(payload)
	case Extended:
		if len(payload) < 1 {
			return nil, ErrShortPayload
		}
		m.ExtendedID = payload[0]
		m.ExtendedPayload = append([]byte(nil), payload[1:]...)
	default:
		return nil, fmt.Errorf("wire: unrecognized message id %d", byte(id))
	}
	return m, nil
}

// Encode serializes m into a length-prefixed frame.
func Encode(m *Message) ([]byte, error) {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}, nil
	}
	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case Bitfield:
		payload = m.Bits
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case Piece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
	case Port:
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, m.ListenPort)
	case Extended:
		payload = make([]byte, 1+len(m.ExtendedPayload))
		payload[0] = m.ExtendedID
		copy(payload[1:], m.ExtendedPayload)
	default:
		return nil, fmt.Errorf("wire: unrecognized message id %d", byte(m.ID))
	}

	frame := make([]byte, lengthPrefixSize+1+len(payload))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(1+len(payload)))
	frame[lengthPrefixSize] = byte(m.ID)
	copy(frame[lengthPrefixSize+1:], payload)
	return frame, nil
}

// Constructors for the common outbound cases.

// NewChoke builds a CHOKE message.
func NewChoke() *Message { return &Message{ID: Choke} }

// NewUnchoke builds an UNCHOKE message.
func NewUnchoke() *Message { return &Message{ID: Unchoke} }

// NewInterested builds an INTERESTED message.
func NewInterested() *Message { return &Message{ID: Interested} }

// NewNotInterested builds a NOT_INTERESTED message.
func NewNotInterested() *Message { return &Message{ID: NotInterested} }

// NewHave builds a HAVE message for piece index.
func NewHave(index uint32) *Message { return &Message{ID: Have, Index: index} }

// NewBitfield builds a BITFIELD message.
func NewBitfield(bits []byte) *Message { return &Message{ID: Bitfield, Bits: bits} }

// NewRequest builds a REQUEST message.
func NewRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Index: index, Begin: begin, Length: length}
}

// NewPiece builds a PIECE message.
func NewPiece(index, begin uint32, block []byte) *Message {
	return &Message{ID: Piece, Index: index, Begin: begin, Block: block}
}

// NewCancel builds a CANCEL message.
func NewCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}

// NewExtended builds an EXTENDED message with sub-id extID.
func NewExtended(extID byte, payload []byte) *Message {
	return &Message{ID: Extended, ExtendedID: extID, ExtendedPayload: payload}
}
