package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
)

const (
	PROTOCOL         = "BitTorrent protocol"
	HANDSHAKE_LENGTH = 1 + 19 + 8 + 20 + 20
	// largest block a peer may request from us
	MAX_BLOCK_LENGTH = 1 << 17
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrHandshake = errors.New("bad handshake")
)

// Message is a length-prefixed peer message. ReadMessage returns a nil
// *Message for a keep-alive.
type Message struct {
	ID      uint8
	Payload []byte
}

// Handshake is the 68 byte opening exchange of a peer connection.
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

type Wire interface {
	// Reading
	ReadHandshake() (*Handshake, error)
	ReadMessage() (*Message, error)

	// Writing
	SendHandshake(infoHash, peerID [20]byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendCancel(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error

	// Other
	SetTimeout(timeout time.Duration)
	LastMessageSent() time.Time
	RemoteAddr() string
	Close() error
}

type wire struct {
	conn            net.Conn
	timeout         atomic.Int64
	maxLength       int
	writeMu         sync.Mutex
	lastMessageSent atomic.Int64
}

// MaxLength is the largest message a peer may send for a torrent of
// numPieces pieces: either a full block or the bitfield.
func MaxLength(numPieces int) int {
	return max(1+8+MAX_BLOCK_LENGTH, 1+(numPieces+7)/8)
}

func NewWire(
	conn net.Conn,
	timeout time.Duration,
	maxLength int) Wire {

	w := &wire{
		conn:      conn,
		maxLength: maxLength,
	}
	w.timeout.Store(int64(timeout))
	return w
}

// SetTimeout changes the deadline applied to every subsequent read and
// write.
func (w *wire) SetTimeout(timeout time.Duration) {
	w.timeout.Store(int64(timeout))
}

func (w *wire) deadline() time.Time {
	return time.Now().Add(time.Duration(w.timeout.Load()))
}

func (w *wire) LastMessageSent() time.Time {
	return time.Unix(0, w.lastMessageSent.Load())
}

func (w *wire) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) ReadHandshake() (*Handshake, error) {
	h := &Handshake{}
	w.conn.SetReadDeadline(w.deadline())
	data := make([]byte, HANDSHAKE_LENGTH)
	_, err := io.ReadFull(w.conn, data)
	if err != nil {
		return nil, err
	}
	err = binary.Read(bytes.NewReader(data), binary.BigEndian, h)
	if err != nil {
		return nil, err
	}
	if int(h.Len) != len(PROTOCOL) || string(h.Protocol[:]) != PROTOCOL {
		return nil, fmt.Errorf("%w: protocol %q", ErrHandshake, h.Protocol[:])
	}
	return h, nil
}

func (w *wire) ReadMessage() (*Message, error) {
	w.conn.SetReadDeadline(w.deadline())

	var length uint32
	err := binary.Read(w.conn, binary.BigEndian, &length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if int64(length) > int64(w.maxLength) {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrMalformed, length, w.maxLength)
	}

	data := make([]byte, length)
	_, err = io.ReadFull(w.conn, data)
	if err != nil {
		return nil, err
	}
	return &Message{ID: data[0], Payload: data[1:]}, nil
}

func (w *wire) SendHandshake(infoHash, peerID [20]byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(len(PROTOCOL)))
	binary.Write(b, binary.BigEndian, []byte(PROTOCOL))
	binary.Write(b, binary.BigEndian, make([]byte, 8))
	binary.Write(b, binary.BigEndian, infoHash)
	binary.Write(b, binary.BigEndian, peerID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendSignal(CHOKE)
}

func (w *wire) SendUnchoke() error {
	return w.sendSignal(UNCHOKE)
}

func (w *wire) SendInterested() error {
	return w.sendSignal(INTERESTED)
}

func (w *wire) SendUnInterested() error {
	return w.sendSignal(NOT_INTERESTED)
}

func (w *wire) sendSignal(id uint8) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, id)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	binary.Write(b, binary.BigEndian, bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendTriple(REQUEST, pieceIndex, begin, length)
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.sendTriple(CANCEL, pieceIndex, begin, length)
}

func (w *wire) sendTriple(id uint8, pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, id)
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.sendMessage(b.Bytes())
}

// sendMessage is called from the connection loop and its uploader, so
// whole messages are written under the write lock.
func (w *wire) sendMessage(msg []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(w.deadline())
	_, err := w.conn.Write(msg)
	if err != nil {
		return err
	}
	w.lastMessageSent.Store(time.Now().UnixNano())
	return nil
}
