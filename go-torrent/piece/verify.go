package piece

import (
	"crypto/sha1"
	"fmt"

	"github.com/Charana123/swarm/go-torrent/storage"
	"github.com/Charana123/swarm/go-torrent/torrent"
)

// Verify reads piece pieceIndex back through files and compares it with
// its SHA-1 hash from the layout. An error means the piece could not be
// read, not that it is corrupt.
func Verify(files storage.FileProvider, layout torrent.Layout, pieceIndex int) (bool, error) {
	data, err := files.Read(layout.PieceOffset(pieceIndex), layout.PieceLength(pieceIndex))
	if err != nil {
		return false, fmt.Errorf("read piece %d: %w", pieceIndex, err)
	}
	return sha1.Sum(data) == layout.Hashes[pieceIndex], nil
}
