package piece

import (
	"github.com/Charana123/swarm/go-torrent/bitfield"
)

var (
	ENDGAME_BLOCKS = 20
)

type Request struct {
	Piece  int
	Offset int
	Length int
}

func (r Request) Key() Key {
	return Key{Piece: r.Piece, Offset: r.Offset}
}

// Picker chooses the next block to request from one peer. It reads
// availability and claims from the swarm view of the transfer it belongs
// to.
type Picker struct {
	swarm         *Swarm
	self          int
	endgameBlocks int
}

func NewPicker(swarm *Swarm, self int, endgameBlocks int) *Picker {
	if endgameBlocks < 0 {
		endgameBlocks = ENDGAME_BLOCKS
	}
	return &Picker{
		swarm:         swarm,
		self:          self,
		endgameBlocks: endgameBlocks,
	}
}

// Endgame reports whether fewer than the endgame threshold of blocks are
// left to receive. In endgame blocks requested by other transfers may be
// requested again.
func (p *Picker) Endgame() bool {
	return p.swarm.Remaining() < p.endgameBlocks
}

// Next returns the next block to request: the rarest piece remote has
// and local lacks, ties broken by lowest index, and within it the lowest
// offset block that is neither received nor in inFlight. Outside endgame
// blocks claimed by other transfers are skipped too.
func (p *Picker) Next(local, remote *bitfield.Bitfield, inFlight Set) (Request, bool) {
	if remote == nil {
		return Request{}, false
	}
	endgame := p.Endgame()
	best, bestKey := -1, Key{}
	for pieceIndex := 0; pieceIndex < local.Len(); pieceIndex++ {
		if !remote.Has(pieceIndex) || local.Has(pieceIndex) {
			continue
		}
		if best >= 0 && p.swarm.Availability(pieceIndex) >= p.swarm.Availability(best) {
			continue
		}
		if key, ok := p.eligibleBlock(pieceIndex, inFlight, endgame); ok {
			best, bestKey = pieceIndex, key
		}
	}
	if best < 0 {
		return Request{}, false
	}
	return Request{
		Piece:  bestKey.Piece,
		Offset: bestKey.Offset,
		Length: p.swarm.layout.BlockLength(bestKey.Piece, bestKey.Offset),
	}, true
}

func (p *Picker) eligibleBlock(pieceIndex int, inFlight Set, endgame bool) (Key, bool) {
	layout := p.swarm.layout
	for blockIndex := 0; blockIndex < layout.BlocksInPiece(pieceIndex); blockIndex++ {
		key := Key{Piece: pieceIndex, Offset: blockIndex * layout.BlockSize}
		if p.swarm.Received(key) || inFlight.Has(key) {
			continue
		}
		if !endgame && p.swarm.ClaimedByOther(key, p.self) {
			continue
		}
		return key, true
	}
	return Key{}, false
}
