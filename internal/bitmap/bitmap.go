// Package bitmap is a fixed-size bit set keyed by small dense ids such as channel ids
package bitmap

import "math/bits"

type Bitmap struct {
	words []uint64
	size  int
}

func New(size int) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

func (b *Bitmap) Size() int {
	return b.size
}

func (b *Bitmap) check(index uint32) {
	if int(index) >= b.size {
		panic("bitmap index out of range")
	}
}

func (b *Bitmap) Test(index uint32) bool {
	b.check(index)
	return b.words[index/64]&(1<<(index%64)) != 0
}

// TestAndSet sets the bit and reports whether it was already set
func (b *Bitmap) TestAndSet(index uint32) bool {
	b.check(index)
	word := &b.words[index/64]
	mask := uint64(1) << (index % 64)
	old := *word&mask != 0
	*word |= mask
	return old
}

// TestAndClear clears the bit and reports whether it was set
func (b *Bitmap) TestAndClear(index uint32) bool {
	b.check(index)
	word := &b.words[index/64]
	mask := uint64(1) << (index % 64)
	old := *word&mask != 0
	*word &^= mask
	return old
}

func (b *Bitmap) Count() int {
	count := 0
	for _, word := range b.words {
		count += bits.OnesCount64(word)
	}
	return count
}

// ForEach calls fn for every set bit, lowest first, until fn returns false
func (b *Bitmap) ForEach(fn func(index uint32) bool) {
	for wordIndex, word := range b.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			if !fn(uint32(wordIndex*64 + bit)) {
				return
			}
			word &= word - 1
		}
	}
}
