package ensemble

import "math/rand/v2"

// IntSource draws uniform integers in [0, n). *rand.Rand from math/rand/v2
// satisfies it; tests may script the sequence.
type IntSource interface {
	IntN(n int) int
}

// newSeededSource returns the source used for WithRandomState.
func newSeededSource(seed uint64) IntSource {
	return rand.New(rand.NewPCG(seed, seed))
}

// newEntropySource returns a source seeded from the runtime's generator.
func newEntropySource() IntSource {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// Bootstrap draws n row indices uniformly from [0, n) with replacement,
// consulting src exactly n times.
func Bootstrap(src IntSource, n int) []int {
	inx := make([]int, n)
	for i := range inx {
		inx[i] = src.IntN(n)
	}
	return inx
}

// inBag marks the rows present in a bootstrap sample.
func inBag(sample []int, n int) []bool {
	bag := make([]bool, n)
	for _, i := range sample {
		bag[i] = true
	}
	return bag
}
