package volume

import "math/bits"

// bitmap is a fixed-size bit vector.
type bitmap []uint64

func newBitmap(n int) bitmap {
	return make(bitmap, (n+63)/64)
}

func (b bitmap) test(i int) bool {
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b bitmap) set(i int) {
	b[i/64] |= 1 << (uint(i) % 64)
}

func (b bitmap) clear(i int) {
	b[i/64] &^= 1 << (uint(i) % 64)
}

func (b bitmap) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// bools expands the first n bits.
func (b bitmap) bools(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = b.test(i)
	}
	return out
}
