package torrent

const (
	BLOCK_SIZE = 16384 // 2^14
)

// Layout is the resolved geometry of a torrent. It is immutable once
// built.
type Layout struct {
	InfoHash    [20]byte
	NumPieces   int
	PieceLen    int
	TotalLength int64
	BlockSize   int
	Hashes      [][20]byte
}

func NewLayout(infoHash [20]byte, pieceLength int, totalLength int64, hashes [][20]byte) Layout {
	return Layout{
		InfoHash:    infoHash,
		NumPieces:   len(hashes),
		PieceLen:    pieceLength,
		TotalLength: totalLength,
		BlockSize:   BLOCK_SIZE,
		Hashes:      hashes,
	}
}

func (l Layout) PieceOffset(pieceIndex int) int64 {
	return int64(pieceIndex) * int64(l.PieceLen)
}

// PieceLength is the size of piece pieceIndex; only the last piece may
// be shorter than PieceLen.
func (l Layout) PieceLength(pieceIndex int) int {
	if pieceIndex < 0 || pieceIndex >= l.NumPieces {
		return 0
	}
	if pieceIndex == l.NumPieces-1 {
		return int(l.TotalLength - l.PieceOffset(pieceIndex))
	}
	return l.PieceLen
}

func (l Layout) BlocksInPiece(pieceIndex int) int {
	return (l.PieceLength(pieceIndex) + l.BlockSize - 1) / l.BlockSize
}

// BlockLength is the size of the block starting at offset within the
// piece, or 0 if offset is not a block boundary inside the piece.
func (l Layout) BlockLength(pieceIndex, offset int) int {
	pieceLength := l.PieceLength(pieceIndex)
	if offset < 0 || offset >= pieceLength || offset%l.BlockSize != 0 {
		return 0
	}
	if offset+l.BlockSize > pieceLength {
		return pieceLength - offset
	}
	return l.BlockSize
}

// InRange reports whether [offset, offset+length) lies inside piece
// pieceIndex.
func (l Layout) InRange(pieceIndex, offset, length int) bool {
	pieceLength := l.PieceLength(pieceIndex)
	return pieceLength > 0 && offset >= 0 && length > 0 && offset+length <= pieceLength
}

func (l Layout) TotalBlocks() int {
	total := 0
	for i := 0; i < l.NumPieces; i++ {
		total += l.BlocksInPiece(i)
	}
	return total
}
