// Package event defines the internal events exchanged between peer
// connections and the coordinator.
package event

import (
	"fmt"

	"github.com/Charana123/swarm/go-torrent/bitfield"
)

// COORDINATOR is the transfer index used for events the coordinator
// produces itself.
const COORDINATOR = -1

type Event interface {
	Transfer() int
}

type PieceCompleted struct {
	TransferIdx int
	Piece       int
}

// PieceFailed reports a fully received piece whose hash did not match.
// Its blocks become requestable again.
type PieceFailed struct {
	TransferIdx int
	Piece       int
}

type PeerConnected struct {
	TransferIdx int
	Addr        string
}

// PeerDisconnected is always the last event of a connection. Held is the
// peer's last known bitfield, nil if it never sent one.
type PeerDisconnected struct {
	TransferIdx int
	Reason      error
	Held        *bitfield.Bitfield
}

type BlockRequested struct {
	TransferIdx int
	Piece       int
	Offset      int
}

type RequestCanceled struct {
	TransferIdx int
	Piece       int
	Offset      int
}

type BlockReceived struct {
	TransferIdx int
	Piece       int
	Offset      int
	Length      int
}

// PeerHave announces pieces a remote peer holds, from its bitfield or a
// have message.
type PeerHave struct {
	TransferIdx int
	Pieces      []int
}

// RateReported carries a connection's recent transfer rates in bytes per
// second and whether the remote peer is interested in us.
type RateReported struct {
	TransferIdx int
	Download    int64
	Upload      int64
	Interested  bool
}

func (e PieceCompleted) Transfer() int { return e.TransferIdx }
func (e PieceFailed) Transfer() int { return e.TransferIdx }
func (e PeerConnected) Transfer() int { return e.TransferIdx }
func (e PeerDisconnected) Transfer() int { return e.TransferIdx }
func (e BlockRequested) Transfer() int { return e.TransferIdx }
func (e RequestCanceled) Transfer() int { return e.TransferIdx }
func (e BlockReceived) Transfer() int { return e.TransferIdx }
func (e PeerHave) Transfer() int { return e.TransferIdx }
func (e RateReported) Transfer() int { return e.TransferIdx }

func (e PieceCompleted) String() string {
	return fmt.Sprintf("PieceCompleted(%d, piece=%d)", e.TransferIdx, e.Piece)
}

func (e PieceFailed) String() string {
	return fmt.Sprintf("PieceFailed(%d, piece=%d)", e.TransferIdx, e.Piece)
}

func (e PeerConnected) String() string {
	return fmt.Sprintf("PeerConnected(%d, %s)", e.TransferIdx, e.Addr)
}

func (e PeerDisconnected) String() string {
	return fmt.Sprintf("PeerDisconnected(%d, %v)", e.TransferIdx, e.Reason)
}

func (e BlockRequested) String() string {
	return fmt.Sprintf("BlockRequested(%d, piece=%d, offset=%d)", e.TransferIdx, e.Piece, e.Offset)
}

func (e RequestCanceled) String() string {
	return fmt.Sprintf("RequestCanceled(%d, piece=%d, offset=%d)", e.TransferIdx, e.Piece, e.Offset)
}

func (e BlockReceived) String() string {
	return fmt.Sprintf("BlockReceived(%d, piece=%d, offset=%d, length=%d)", e.TransferIdx, e.Piece, e.Offset, e.Length)
}

func (e PeerHave) String() string {
	return fmt.Sprintf("PeerHave(%d, %d pieces)", e.TransferIdx, len(e.Pieces))
}

func (e RateReported) String() string {
	return fmt.Sprintf("RateReported(%d, down=%d, up=%d, interested=%t)", e.TransferIdx, e.Download, e.Upload, e.Interested)
}
