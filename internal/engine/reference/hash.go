package reference

import "math"

// splitmix64 step; the engine derives every number it produces from it.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func combine(a, b uint64) uint64 {
	return mix(a ^ mix(b))
}

// unit maps a hash to [-1, 1).
func unit(h uint64) float32 {
	return float32(h>>11)/float32(1<<53)*2 - 1
}

func hashFloats(v []float32) uint64 {
	h := uint64(len(v))
	for _, f := range v {
		h = combine(h, uint64(math.Float32bits(f)))
	}
	return h
}

func fillVector(dst []float32, key uint64) {
	for j := range dst {
		dst[j] = unit(combine(key, uint64(j)+1))
	}
}
