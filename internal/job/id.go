package job

// sparseFactor controls when new ids are drawn at random to reclaim a
// sparse id space.
const sparseFactor = 10

// NextID proposes an id for a new job given the largest existing id and
// the number of jobs. randN returns a uniform value in [0, n).
//
// The proposal may collide with an existing job when it is drawn at
// random; callers insert optimistically and ask again on collision.
func NextID(maxID int64, count int, randN func(n int64) int64) int64 {
	if count == 0 || maxID <= 0 {
		return 1
	}
	if maxID > sparseFactor*int64(count) {
		return randN(maxID) + 1
	}
	return maxID + 1
}
