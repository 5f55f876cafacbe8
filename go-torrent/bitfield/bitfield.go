package bitfield

import (
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
)

// Bitfield tracks which pieces are held. Its length is fixed when it is
// created. Bits are stored in a go-bitmap; the wire form (MSB first) is
// produced by Bytes.
type Bitfield struct {
	bits bitmap.Bitmap
	n    int
}

func New(numPieces int) *Bitfield {
	if numPieces < 0 {
		numPieces = 0
	}
	return &Bitfield{
		bits: bitmap.New(numPieces),
		n:    numPieces,
	}
}

// FromBytes decodes a wire bitfield. The payload must be exactly
// ceil(n/8) bytes and the spare bits of the last byte must be clear.
func FromBytes(data []byte, numPieces int) (*Bitfield, error) {
	if len(data) != byteLen(numPieces) {
		return nil, fmt.Errorf("bitfield length %d, expected %d", len(data), byteLen(numPieces))
	}
	bf := New(numPieces)
	for i := 0; i < len(data)*8; i++ {
		if data[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if i >= numPieces {
			return nil, fmt.Errorf("bitfield spare bit %d set", i)
		}
		bf.bits.Set(i, true)
	}
	return bf, nil
}

func byteLen(n int) int {
	return (n + 7) / 8
}

func (bf *Bitfield) Len() int {
	return bf.n
}

func (bf *Bitfield) Has(i int) bool {
	if i < 0 || i >= bf.n {
		return false
	}
	return bf.bits.Get(i)
}

// Set marks piece i as held. Indices outside the bitfield are ignored.
func (bf *Bitfield) Set(i int) {
	if i < 0 || i >= bf.n {
		return
	}
	bf.bits.Set(i, true)
}

func (bf *Bitfield) Clear(i int) {
	if i < 0 || i >= bf.n {
		return
	}
	bf.bits.Set(i, false)
}

func (bf *Bitfield) Count() int {
	count := 0
	for i := 0; i < bf.n; i++ {
		if bf.bits.Get(i) {
			count++
		}
	}
	return count
}

func (bf *Bitfield) Full() bool {
	return bf.Count() == bf.n
}

func (bf *Bitfield) Empty() bool {
	return bf.Count() == 0
}

// Indices returns the held piece indices in ascending order.
func (bf *Bitfield) Indices() []int {
	indices := make([]int, 0)
	for i := 0; i < bf.n; i++ {
		if bf.bits.Get(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

// WantsFrom reports whether other holds a piece bf lacks.
func (bf *Bitfield) WantsFrom(other *Bitfield) bool {
	if other == nil {
		return false
	}
	for i := 0; i < bf.n && i < other.n; i++ {
		if other.bits.Get(i) && !bf.bits.Get(i) {
			return true
		}
	}
	return false
}

func (bf *Bitfield) Clone() *Bitfield {
	return &Bitfield{
		bits: bf.bits.Data(true),
		n:    bf.n,
	}
}

// Bytes returns the wire encoding, most significant bit first.
func (bf *Bitfield) Bytes() []byte {
	data := make([]byte, byteLen(bf.n))
	for i := 0; i < bf.n; i++ {
		if bf.bits.Get(i) {
			data[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return data
}

func (bf *Bitfield) String() string {
	s := make([]byte, bf.n)
	for i := 0; i < bf.n; i++ {
		if bf.bits.Get(i) {
			s[i] = '1'
		} else {
			s[i] = '0'
		}
	}
	return string(s)
}
