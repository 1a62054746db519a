package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// Bloom is the per-segment bloom filter used to short-circuit negative
// lookups before any disk read.
type Bloom struct {
	bits *bitset.BitSet
	k    uint32
}

// NewBloom sizes a filter for n expected keys at the given false-positive
// rate.
func NewBloom(n int, fpRate float64) *Bloom {
	if n < 1 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	ln2 := math.Ln2
	m := uint(math.Ceil(-float64(n) * math.Log(fpRate) / (ln2 * ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(n) * ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}

	return &Bloom{bits: bitset.New(m), k: k}
}

func (b *Bloom) Add(key []byte) {
	h1, h2 := hashPair(key)
	m := uint64(b.bits.Len())
	for i := uint64(0); i < uint64(b.k); i++ {
		b.bits.Set(uint((h1 + i*h2) % m))
	}
}

func (b *Bloom) MayContain(key []byte) bool {
	h1, h2 := hashPair(key)
	m := uint64(b.bits.Len())
	for i := uint64(0); i < uint64(b.k); i++ {
		if !b.bits.Test(uint((h1 + i*h2) % m)) {
			return false
		}
	}
	return true
}

// hashPair derives the two hashes of the standard double-hashing scheme
// from one fnv-64a pass. h2 is forced odd so probes never degenerate.
func hashPair(key []byte) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = h.Write(key)
	h1 := h.Sum64()
	h2 := splitmix64(h1) | 1
	return h1, h2
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// MarshalBinary encodes the filter as [k u32][bitset binary].
func (b *Bloom) MarshalBinary() ([]byte, error) {
	bits, err := b.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal bloom bits: %w", err)
	}

	buf := make([]byte, 4+len(bits))
	binary.LittleEndian.PutUint32(buf[:4], b.k)
	copy(buf[4:], bits)
	return buf, nil
}

func UnmarshalBloom(data []byte) (*Bloom, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bloom block too short")
	}

	b := &Bloom{k: binary.LittleEndian.Uint32(data[:4]), bits: &bitset.BitSet{}}
	if err := b.bits.UnmarshalBinary(data[4:]); err != nil {
		return nil, fmt.Errorf("unmarshal bloom bits: %w", err)
	}
	if b.k == 0 || b.bits.Len() == 0 {
		return nil, fmt.Errorf("degenerate bloom parameters")
	}
	return b, nil
}
