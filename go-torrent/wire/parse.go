package wire

import (
	"encoding/binary"
	"fmt"
)

// Validate checks the payload length of a message against its id.
// Unknown ids are malformed.
func (m *Message) Validate() error {
	switch m.ID {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		return m.expectLength(0)
	case HAVE:
		return m.expectLength(4)
	case REQUEST, CANCEL:
		return m.expectLength(12)
	case PORT:
		return m.expectLength(2)
	case BLOCK:
		if len(m.Payload) < 8 {
			return fmt.Errorf("%w: piece payload of %d bytes", ErrMalformed, len(m.Payload))
		}
	case BITFIELD:
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrMalformed, m.ID)
	}
	return nil
}

func (m *Message) expectLength(n int) error {
	if len(m.Payload) != n {
		return fmt.Errorf("%w: message %d with %d byte payload, want %d", ErrMalformed, m.ID, len(m.Payload), n)
	}
	return nil
}

func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have payload of %d bytes", ErrMalformed, len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// ParseRequest decodes the payload shared by request and cancel.
func ParseRequest(payload []byte) (pieceIndex, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload of %d bytes", ErrMalformed, len(payload))
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return pieceIndex, begin, length, nil
}

func ParseBlock(payload []byte) (pieceIndex, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload of %d bytes", ErrMalformed, len(payload))
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	return pieceIndex, begin, payload[8:], nil
}
