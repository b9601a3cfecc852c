package partition

import "testing"

func BenchmarkCursorNext(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		c := New(4096, 64<<20, 3, 8)
		for {
			if _, ok := c.Next(); !ok {
				break
			}
		}
	}
}

func BenchmarkAll(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = All(4096, 64<<20, 3, 8)
	}
}
