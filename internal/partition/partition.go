// Package partition assigns byte ranges of a payload to a fixed set of workers.
//
// Chunks are globally indexed 0..Count-1 and dealt round-robin: worker r owns
// indices r, r+W, r+2W, ... where W is the worker count. Every index is owned
// by exactly one worker, so the union of all cursors covers the payload with
// no gap and no overlap.
package partition

// Range is one contiguous chunk of the payload, [Start, End).
type Range struct {
	Start int
	End   int
	Index int
}

// Len returns the number of bytes in the range.
func (r Range) Len() int { return r.End - r.Start }

// Cursor iterates over the chunks owned by one worker.
type Cursor struct {
	chunkSize   int
	totalLength int
	worker      int
	workers     int
	step        int
}

// New creates a cursor for worker index worker out of workers.
// A workers value <= 0 is treated as 1.
func New(chunkSize, totalLength, worker, workers int) *Cursor {
	if workers <= 0 {
		workers = 1
	}
	return &Cursor{
		chunkSize:   chunkSize,
		totalLength: totalLength,
		worker:      worker,
		workers:     workers,
	}
}

// Next returns the next owned range in ascending index order.
// ok is false once the cursor is exhausted.
func (c *Cursor) Next() (Range, bool) {
	if c.chunkSize <= 0 || c.worker < 0 {
		return Range{}, false
	}
	idx := c.worker + c.step*c.workers
	start := idx * c.chunkSize
	if start >= c.totalLength {
		return Range{}, false
	}
	end := start + c.chunkSize
	if end > c.totalLength {
		end = c.totalLength
	}
	c.step++
	return Range{Start: start, End: end, Index: idx}, true
}

// Reset rewinds the cursor to its first range.
func (c *Cursor) Reset() { c.step = 0 }

// Count returns the number of global chunks for a payload.
func Count(chunkSize, totalLength int) int {
	if chunkSize <= 0 || totalLength <= 0 {
		return 0
	}
	return (totalLength + chunkSize - 1) / chunkSize
}

// Owned returns how many chunks worker owns.
func Owned(chunkSize, totalLength, worker, workers int) int {
	if workers <= 0 {
		workers = 1
	}
	n := Count(chunkSize, totalLength)
	if worker < 0 || worker >= n {
		return 0
	}
	return (n-worker-1)/workers + 1
}

// All drains a fresh cursor and returns every range worker owns.
func All(chunkSize, totalLength, worker, workers int) []Range {
	c := New(chunkSize, totalLength, worker, workers)
	var out []Range
	for {
		r, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}
