package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// WaitBetweenReads bounds how long a blocking read waits before re-polling
// for cancellation; a close from another goroutine is observed within this
// bound even though net.Conn has no native select-on-cancel primitive.
const WaitBetweenReads = 100 * time.Millisecond

// DefaultMaxFrameLength caps a single frame's declared length; anything
// larger is treated as a protocol error rather than an allocation hazard.
const DefaultMaxFrameLength = 1 << 20 // 1 MiB, comfortably above a 16 KiB block plus overhead.

// SendMessage writes m to nc as a single length-prefixed frame.
func SendMessage(nc net.Conn, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = nc.Write(frame)
	return err
}

// ReadMessage blocks until a complete frame is available on nc, re-polling
// every WaitBetweenReads so a concurrent close is observed promptly. maxLen
// bounds the accepted frame length. The returned nbytes is the total number
// of wire bytes consumed (length prefix plus payload), for callers that
// meter ingress bandwidth.
func ReadMessage(nc net.Conn, maxLen uint32) (*Message, int, error) {
	var lenBuf [lengthPrefixSize]byte
	for {
		if err := nc.SetReadDeadline(time.Now().Add(WaitBetweenReads)); err != nil {
			return nil, 0, fmt.Errorf("set read deadline: %s", err)
		}
		_, err := io.ReadFull(nc, lenBuf[:])
		if err == nil {
			break
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return nil, 0, fmt.Errorf("read length prefix: %s", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxLen {
		return nil, 0, ErrFrameTooLarge
	}
	if length == 0 {
		return &Message{KeepAlive: true}, lengthPrefixSize, nil
	}

	payload := make([]byte, length)
	if err := nc.SetReadDeadline(time.Time{}); err != nil {
		return nil, 0, fmt.Errorf("clear read deadline: %s", err)
	}
	if _, err := io.ReadFull(nc, payload); err != nil {
		return nil, 0, fmt.Errorf("read payload: %s", err)
	}

	id := MessageID(payload[0])
	m, err := decodePayload(id, payload[1:])
	if err != nil {
		return nil, 0, err
	}
	return m, lengthPrefixSize + int(length), nil
}
