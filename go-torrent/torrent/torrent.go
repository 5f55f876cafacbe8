package torrent

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

type Torrent struct {
	Length    int64
	MetaInfo  MetaInfo
	InfoHash  [20]byte
	NumPieces int
}

type MetaInfo struct {
	Info         Info       `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int64      `bencode:"creation date"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Encoding     string     `bencode:"encoding"`
}

type Info struct {
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int    `bencode:"private"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	Md5sum      string `bencode:"md5sum"`
	Files       []File `bencode:"files"`
}

type File struct {
	Length int64    `bencode:"length"`
	Md5sum string   `bencode:"md5sum"`
	Path   []string `bencode:"path"`
}

var ErrUnsafePath = errors.New("unsafe file path")

// checkPathPart accepts a single path element that cannot leave the
// directory it is joined under.
func checkPathPart(part string) error {
	switch {
	case part == "", part == ".", part == "..":
		return fmt.Errorf("%w: %q", ErrUnsafePath, part)
	case filepath.IsAbs(part), strings.ContainsAny(part, `/\`), filepath.VolumeName(part) != "":
		return fmt.Errorf("%w: %q", ErrUnsafePath, part)
	}
	return nil
}

func NewTorrent(torrentReader io.ReadSeeker) (*Torrent, error) {
	torrent := &Torrent{}

	metaInfo, err := bencode.Decode(torrentReader)
	if err != nil {
		return nil, fmt.Errorf("decode metainfo: %w", err)
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed torrent file: top level is not a dictionary")
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, fmt.Errorf("malformed torrent file: missing info dictionary")
	}

	// dictionary keys are re-encoded in sorted order, which matches any
	// canonically encoded torrent
	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, fmt.Errorf("encode info dictionary: %w", err)
	}
	torrent.InfoHash = sha1.Sum(infoBencode.Bytes())

	if _, err := torrentReader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := bencode.Unmarshal(torrentReader, &torrent.MetaInfo); err != nil {
		return nil, fmt.Errorf("unmarshal metainfo: %w", err)
	}

	info := torrent.MetaInfo.Info
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("malformed torrent file: piece length %d", info.PieceLength)
	}
	if len(info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("malformed torrent file: pieces length %d not a multiple of 20", len(info.Pieces))
	}
	torrent.NumPieces = len(info.Pieces) / 20

	if err := checkPathPart(info.Name); err != nil {
		return nil, fmt.Errorf("malformed torrent file: name: %w", err)
	}
	// Total size of all files
	if len(info.Files) > 0 {
		for i, f := range info.Files {
			if f.Length < 0 {
				return nil, fmt.Errorf("malformed torrent file: file %d has length %d", i, f.Length)
			}
			if len(f.Path) == 0 {
				return nil, fmt.Errorf("malformed torrent file: file %d: %w", i, ErrUnsafePath)
			}
			for _, part := range f.Path {
				if err := checkPathPart(part); err != nil {
					return nil, fmt.Errorf("malformed torrent file: file %d: %w", i, err)
				}
			}
			torrent.Length += f.Length
		}
	} else {
		if info.Length < 0 {
			return nil, fmt.Errorf("malformed torrent file: length %d", info.Length)
		}
		torrent.Length = info.Length
	}

	expected := (torrent.Length + int64(info.PieceLength) - 1) / int64(info.PieceLength)
	if int64(torrent.NumPieces) != expected {
		return nil, fmt.Errorf("malformed torrent file: %d piece hashes for %d bytes", torrent.NumPieces, torrent.Length)
	}
	return torrent, nil
}

// Trackers returns the announce tiers, falling back to the single
// announce URL.
func (t *Torrent) Trackers() [][]string {
	if len(t.MetaInfo.AnnounceList) > 0 {
		return t.MetaInfo.AnnounceList
	}
	if t.MetaInfo.Announce == "" {
		return nil
	}
	return [][]string{{t.MetaInfo.Announce}}
}

// Files returns the file list in torrent order. Single file torrents
// yield one entry named after the torrent.
func (t *Torrent) Files() []File {
	if len(t.MetaInfo.Info.Files) > 0 {
		return t.MetaInfo.Info.Files
	}
	return []File{{
		Length: t.MetaInfo.Info.Length,
		Path:   []string{t.MetaInfo.Info.Name},
	}}
}

// Root is the directory multi file torrents are written under.
func (t *Torrent) Root() string {
	if len(t.MetaInfo.Info.Files) > 0 {
		return t.MetaInfo.Info.Name
	}
	return ""
}

func (t *Torrent) Layout() Layout {
	hashes := make([][20]byte, t.NumPieces)
	for i := range hashes {
		copy(hashes[i][:], t.MetaInfo.Info.Pieces[20*i:20*(i+1)])
	}
	return NewLayout(t.InfoHash, t.MetaInfo.Info.PieceLength, t.Length, hashes)
}
