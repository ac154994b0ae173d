package game

// Random advances the state RNG and returns a value in [0, 255].
func (s *State) Random() int {
	x := s.RNG
	if x == 0 {
		x = 0x9e3779b9
	}
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	s.RNG = x
	return int(x >> 24)
}

// RandomRange returns a value in [lo, hi].
func (s *State) RandomRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + s.Random()%(hi-lo+1)
}
