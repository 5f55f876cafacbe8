package piece

import (
	"github.com/Charana123/swarm/go-torrent/bitfield"
	"github.com/Charana123/swarm/go-torrent/event"
	"github.com/Charana123/swarm/go-torrent/torrent"
	mapset "github.com/deckarep/golang-set"
)

// Key identifies a block by piece index and byte offset within the piece.
type Key struct {
	Piece  int
	Offset int
}

// Set is a set of blocks, used for a connection's in-flight requests.
type Set map[Key]struct{}

func (s Set) Add(k Key) {
	s[k] = struct{}{}
}

func (s Set) Remove(k Key) {
	delete(s, k)
}

func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

func (s Set) Union(o Set) Set {
	u := make(Set, len(s)+len(o))
	for k := range s {
		u[k] = struct{}{}
	}
	for k := range o {
		u[k] = struct{}{}
	}
	return u
}

type pieceInfo struct {
	availability int
	blocks       []*blockInfo
	received     int
}

type blockInfo struct {
	received   bool
	requesters mapset.Set
}

// Swarm is a connection's picture of the swarm: the local bitfield,
// piece availability, and which blocks are received or requested by
// which transfer. Every holder applies the same events in the same
// order, so copies converge. A Swarm is owned by a single goroutine.
type Swarm struct {
	layout    torrent.Layout
	local     *bitfield.Bitfield
	pieces    []*pieceInfo
	remaining int
}

func NewSwarm(layout torrent.Layout) *Swarm {
	s := &Swarm{
		layout: layout,
		local:  bitfield.New(layout.NumPieces),
		pieces: make([]*pieceInfo, layout.NumPieces),
	}
	for i := range s.pieces {
		pi := &pieceInfo{
			blocks: make([]*blockInfo, layout.BlocksInPiece(i)),
		}
		for j := range pi.blocks {
			pi.blocks[j] = &blockInfo{requesters: mapset.NewThreadUnsafeSet()}
		}
		s.remaining += len(pi.blocks)
		s.pieces[i] = pi
	}
	return s
}

func (s *Swarm) Layout() torrent.Layout {
	return s.layout
}

// Local is the local bitfield. It must not be modified by callers.
func (s *Swarm) Local() *bitfield.Bitfield {
	return s.local
}

func (s *Swarm) Availability(pieceIndex int) int {
	if !s.validPiece(pieceIndex) {
		return 0
	}
	return s.pieces[pieceIndex].availability
}

// Remaining counts blocks not yet received in pieces not yet held.
func (s *Swarm) Remaining() int {
	return s.remaining
}

func (s *Swarm) Received(k Key) bool {
	b := s.block(k)
	return b != nil && (b.received || s.local.Has(k.Piece))
}

// ClaimedByOther reports whether a transfer other than self has an
// outstanding request for the block.
func (s *Swarm) ClaimedByOther(k Key, self int) bool {
	b := s.block(k)
	if b == nil {
		return false
	}
	for _, r := range b.requesters.ToSlice() {
		if r.(int) != self {
			return true
		}
	}
	return false
}

func (s *Swarm) Clone() *Swarm {
	c := &Swarm{
		layout:    s.layout,
		local:     s.local.Clone(),
		pieces:    make([]*pieceInfo, len(s.pieces)),
		remaining: s.remaining,
	}
	for i, pi := range s.pieces {
		cp := &pieceInfo{
			availability: pi.availability,
			received:     pi.received,
			blocks:       make([]*blockInfo, len(pi.blocks)),
		}
		for j, b := range pi.blocks {
			cp.blocks[j] = &blockInfo{
				received:   b.received,
				requesters: b.requesters.Clone(),
			}
		}
		c.pieces[i] = cp
	}
	return c
}

// Apply folds an event into the view. It returns the piece index and
// true when the event was the BlockReceived that completed reception of
// that piece.
func (s *Swarm) Apply(ev event.Event) (int, bool) {
	switch e := ev.(type) {
	case event.PieceCompleted:
		s.completePiece(e.Piece)
	case event.PieceFailed:
		s.resetPiece(e.Piece)
	case event.PeerHave:
		for _, pieceIndex := range e.Pieces {
			if s.validPiece(pieceIndex) {
				s.pieces[pieceIndex].availability++
			}
		}
	case event.PeerDisconnected:
		if e.Held != nil {
			for _, pieceIndex := range e.Held.Indices() {
				if s.validPiece(pieceIndex) && s.pieces[pieceIndex].availability > 0 {
					s.pieces[pieceIndex].availability--
				}
			}
		}
		s.forget(e.TransferIdx)
	case event.BlockRequested:
		if b := s.block(Key{e.Piece, e.Offset}); b != nil && !b.received && !s.local.Has(e.Piece) {
			b.requesters.Add(e.TransferIdx)
		}
	case event.RequestCanceled:
		if b := s.block(Key{e.Piece, e.Offset}); b != nil {
			b.requesters.Remove(e.TransferIdx)
		}
	case event.BlockReceived:
		return s.receive(Key{e.Piece, e.Offset})
	}
	return 0, false
}

func (s *Swarm) receive(k Key) (int, bool) {
	b := s.block(k)
	if b == nil || b.received || s.local.Has(k.Piece) {
		return 0, false
	}
	b.received = true
	b.requesters.Clear()
	pi := s.pieces[k.Piece]
	pi.received++
	s.remaining--
	return k.Piece, pi.received == len(pi.blocks)
}

func (s *Swarm) completePiece(pieceIndex int) {
	if !s.validPiece(pieceIndex) || s.local.Has(pieceIndex) {
		return
	}
	pi := s.pieces[pieceIndex]
	s.remaining -= len(pi.blocks) - pi.received
	for _, b := range pi.blocks {
		b.received = true
		b.requesters.Clear()
	}
	pi.received = len(pi.blocks)
	s.local.Set(pieceIndex)
}

func (s *Swarm) resetPiece(pieceIndex int) {
	if !s.validPiece(pieceIndex) || s.local.Has(pieceIndex) {
		return
	}
	pi := s.pieces[pieceIndex]
	s.remaining += pi.received
	for _, b := range pi.blocks {
		b.received = false
		b.requesters.Clear()
	}
	pi.received = 0
}

func (s *Swarm) forget(transferIdx int) {
	for _, pi := range s.pieces {
		for _, b := range pi.blocks {
			b.requesters.Remove(transferIdx)
		}
	}
}

func (s *Swarm) validPiece(pieceIndex int) bool {
	return pieceIndex >= 0 && pieceIndex < len(s.pieces)
}

func (s *Swarm) block(k Key) *blockInfo {
	if !s.validPiece(k.Piece) || k.Offset < 0 || k.Offset%s.layout.BlockSize != 0 {
		return nil
	}
	blockIndex := k.Offset / s.layout.BlockSize
	blocks := s.pieces[k.Piece].blocks
	if blockIndex >= len(blocks) {
		return nil
	}
	return blocks[blockIndex]
}
