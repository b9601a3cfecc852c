package partition

import (
	"reflect"
	"testing"
)

// TestScenarioThreeWorkers checks the 10000/3000/3 layout
func TestScenarioThreeWorkers(t *testing.T) {
	want := map[int][]Range{
		0: {{Start: 0, End: 3000, Index: 0}, {Start: 9000, End: 10000, Index: 3}},
		1: {{Start: 3000, End: 6000, Index: 1}},
		2: {{Start: 6000, End: 9000, Index: 2}},
	}
	for w := 0; w < 3; w++ {
		got := All(3000, 10000, w, 3)
		if !reflect.DeepEqual(got, want[w]) {
			t.Fatalf("worker %d: got %v, want %v", w, got, want[w])
		}
	}
	if n := Count(3000, 10000); n != 4 {
		t.Fatalf("expected 4 chunks, got %d", n)
	}
}

// TestCompleteness checks that all workers together cover the payload exactly once
func TestCompleteness(t *testing.T) {
	for _, total := range []int{0, 1, 7, 100, 1023, 1024, 1025, 9999} {
		for _, size := range []int{1, 3, 64, 1000, 5000} {
			for workers := 1; workers <= 7; workers++ {
				seen := make([]int, total)
				indices := map[int]bool{}
				for w := 0; w < workers; w++ {
					prev := -1
					for _, r := range All(size, total, w, workers) {
						if r.Index <= prev {
							t.Fatalf("indices not ascending for worker %d: %d after %d", w, r.Index, prev)
						}
						prev = r.Index
						if indices[r.Index] {
							t.Fatalf("index %d yielded twice", r.Index)
						}
						indices[r.Index] = true
						for i := r.Start; i < r.End; i++ {
							seen[i]++
						}
					}
				}
				for i, n := range seen {
					if n != 1 {
						t.Fatalf("total=%d size=%d workers=%d: byte %d covered %d times", total, size, workers, i, n)
					}
				}
				if len(indices) != Count(size, total) {
					t.Fatalf("expected %d chunks, got %d", Count(size, total), len(indices))
				}
			}
		}
	}
}

func TestDeterminismAndReset(t *testing.T) {
	a := All(128, 5000, 2, 4)
	b := All(128, 5000, 2, 4)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("cursor not deterministic")
	}
	c := New(128, 5000, 2, 4)
	first, _ := c.Next()
	c.Next()
	c.Reset()
	again, ok := c.Next()
	if !ok || again != first {
		t.Fatalf("reset did not rewind: %v vs %v", again, first)
	}
}

func TestZeroChunkSizeYieldsNothing(t *testing.T) {
	if r, ok := New(0, 100, 0, 2).Next(); ok {
		t.Fatalf("expected no ranges, got %v", r)
	}
}

func TestWorkerCountCoerced(t *testing.T) {
	got := All(10, 25, 0, 0)
	if len(got) != 3 || got[2].End != 25 {
		t.Fatalf("unexpected ranges: %v", got)
	}
}

func TestOwned(t *testing.T) {
	for workers := 1; workers <= 5; workers++ {
		for w := 0; w < workers; w++ {
			if got, want := Owned(3, 40, w, workers), len(All(3, 40, w, workers)); got != want {
				t.Fatalf("workers=%d w=%d: Owned=%d, want %d", workers, w, got, want)
			}
		}
	}
}
