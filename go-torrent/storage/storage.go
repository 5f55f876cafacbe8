package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Charana123/swarm/go-torrent/torrent"
	"github.com/spf13/afero"
)

var openFile = func(fs afero.Fs, name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_CREATE|os.O_RDWR, 0644)
}

var (
	ErrOutOfRange = errors.New("range outside torrent data")
	ErrOutsideDir = errors.New("file path leaves the output directory")
)

// FileProvider reads and writes the torrent's contiguous byte range,
// whatever files it is split over. Reads and writes are all or nothing
// from the caller's point of view: a short transfer is an error.
type FileProvider interface {
	Read(offset int64, length int) ([]byte, error)
	Write(offset int64, data []byte) error
	Close() error
}

type fileProvider struct {
	files     []afero.File
	names     []string
	starts    []int64
	lengths   []int64
	total     int64
	fileLocks []*sync.Mutex
}

// NewFileProvider opens (creating if needed) every file of the torrent
// under dir on fs.
func NewFileProvider(fs afero.Fs, dir string, files []torrent.File) (FileProvider, error) {
	p := &fileProvider{}
	for _, f := range files {
		if len(f.Path) == 0 {
			p.Close()
			return nil, fmt.Errorf("%w: empty path", ErrOutsideDir)
		}
		if f.Length < 0 {
			p.Close()
			return nil, fmt.Errorf("file %v has length %d", f.Path, f.Length)
		}
		name := filepath.Join(append([]string{dir}, f.Path...)...)
		if !within(dir, name) {
			p.Close()
			return nil, fmt.Errorf("%w: %s", ErrOutsideDir, name)
		}
		if err := fs.MkdirAll(filepath.Dir(name), 0755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", name, err)
		}
		file, err := openFile(fs, name)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		p.files = append(p.files, file)
		p.names = append(p.names, name)
		p.starts = append(p.starts, p.total)
		p.lengths = append(p.lengths, f.Length)
		p.fileLocks = append(p.fileLocks, &sync.Mutex{})
		p.total += f.Length
	}
	return p, nil
}

// within reports whether name is strictly below dir.
func within(dir, name string) bool {
	rel, err := filepath.Rel(dir, name)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (p *fileProvider) check(offset int64, length int) error {
	if offset < 0 || length < 0 || offset+int64(length) > p.total {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, offset, offset+int64(length), p.total)
	}
	return nil
}

// firstFile is the index of the file holding byte offset.
func (p *fileProvider) firstFile(offset int64) int {
	return sort.Search(len(p.starts), func(i int) bool {
		return p.starts[i]+p.lengths[i] > offset
	})
}

func (p *fileProvider) Read(offset int64, length int) ([]byte, error) {
	if err := p.check(offset, length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	buf := data
	for fileIndex := p.firstFile(offset); len(buf) > 0; fileIndex++ {
		fileOffset := offset - p.starts[fileIndex]
		readLen := min(int64(len(buf)), p.lengths[fileIndex]-fileOffset)
		if readLen == 0 {
			continue
		}

		p.fileLocks[fileIndex].Lock()
		n, err := p.files[fileIndex].ReadAt(buf[:readLen], fileOffset)
		p.fileLocks[fileIndex].Unlock()
		if int64(n) < readLen {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read %s: %d of %d bytes at %d: %w", p.names[fileIndex], n, readLen, fileOffset, err)
		}

		buf = buf[readLen:]
		offset += readLen
	}
	return data, nil
}

func (p *fileProvider) Write(offset int64, data []byte) error {
	if err := p.check(offset, len(data)); err != nil {
		return err
	}
	for fileIndex := p.firstFile(offset); len(data) > 0; fileIndex++ {
		fileOffset := offset - p.starts[fileIndex]
		writeLen := min(int64(len(data)), p.lengths[fileIndex]-fileOffset)
		if writeLen == 0 {
			continue
		}

		p.fileLocks[fileIndex].Lock()
		n, err := p.files[fileIndex].WriteAt(data[:writeLen], fileOffset)
		p.fileLocks[fileIndex].Unlock()
		if err == nil && int64(n) < writeLen {
			err = io.ErrShortWrite
		}
		if err != nil {
			return fmt.Errorf("write %s: %d of %d bytes at %d: %w", p.names[fileIndex], n, writeLen, fileOffset, err)
		}

		data = data[writeLen:]
		offset += writeLen
	}
	return nil
}

func (p *fileProvider) Close() error {
	var errs []error
	for _, f := range p.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
