package batch

import (
	"errors"
	"reflect"
	"testing"
)

func TestPartition_ZeroTotal_ReturnsEmpty(t *testing.T) {
	ranges, err := Partition(0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ranges == nil {
		t.Fatal("expected non-nil slice")
	}
	if len(ranges) != 0 {
		t.Errorf("len(ranges) = %d, want 0", len(ranges))
	}
}

func TestPartition_Boundaries(t *testing.T) {
	tests := []struct {
		name  string
		total int
		size  int
		want  []Range
	}{
		{
			name:  "ちょうど1バッチ",
			total: 1000,
			size:  1000,
			want:  []Range{{Start: 1, Finish: 1000}},
		},
		{
			name:  "1件はみ出す",
			total: 1001,
			size:  1000,
			want:  []Range{{Start: 1, Finish: 1000}, {Start: 1001, Finish: 1001}},
		},
		{
			name:  "バッチサイズ未満",
			total: 3,
			size:  1000,
			want:  []Range{{Start: 1, Finish: 3}},
		},
		{
			name:  "サイズ1",
			total: 3,
			size:  1,
			want:  []Range{{Start: 1, Finish: 1}, {Start: 2, Finish: 2}, {Start: 3, Finish: 3}},
		},
		{
			name:  "最終バッチが短い",
			total: 25,
			size:  10,
			want:  []Range{{Start: 1, Finish: 10}, {Start: 11, Finish: 20}, {Start: 21, Finish: 25}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Partition(tt.total, tt.size)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Partition(%d, %d) = %v, want %v", tt.total, tt.size, got, tt.want)
			}
		})
	}
}

// TestPartition_CoversExactlyOnce は全範囲が [1, N] を隙間・重複なく昇順で覆うことを検証する。
func TestPartition_CoversExactlyOnce(t *testing.T) {
	sizes := []int{1, 2, 3, 7, 10, 64, 1000}
	for total := 0; total <= 250; total++ {
		for _, size := range sizes {
			ranges, err := Partition(total, size)
			if err != nil {
				t.Fatalf("Partition(%d, %d) error: %v", total, size, err)
			}

			next := 1
			for i, r := range ranges {
				if r.Start != next {
					t.Fatalf("Partition(%d, %d)[%d].Start = %d, want %d", total, size, i, r.Start, next)
				}
				if r.Finish < r.Start {
					t.Fatalf("Partition(%d, %d)[%d] is empty: %v", total, size, i, r)
				}
				if r.Len() > size {
					t.Fatalf("Partition(%d, %d)[%d].Len() = %d exceeds size", total, size, i, r.Len())
				}
				if i < len(ranges)-1 && r.Len() != size {
					t.Fatalf("Partition(%d, %d)[%d] is short but not last: %v", total, size, i, r)
				}
				next = r.Finish + 1
			}
			if next != total+1 {
				t.Fatalf("Partition(%d, %d) covers up to %d, want %d", total, size, next-1, total)
			}
		}
	}
}

func TestPartition_Deterministic(t *testing.T) {
	a, _ := Partition(12345, 100)
	b, _ := Partition(12345, 100)
	if !reflect.DeepEqual(a, b) {
		t.Error("Partition should return the same ranges for the same input")
	}
	if len(a) != 124 {
		t.Errorf("len = %d, want 124", len(a))
	}
}

func TestPartition_InvalidInput(t *testing.T) {
	if _, err := Partition(10, 0); !errors.Is(err, ErrInvalidBatchSize) {
		t.Errorf("size=0: err = %v, want ErrInvalidBatchSize", err)
	}
	if _, err := Partition(10, -5); !errors.Is(err, ErrInvalidBatchSize) {
		t.Errorf("size=-5: err = %v, want ErrInvalidBatchSize", err)
	}
	if _, err := Partition(-1, 10); !errors.Is(err, ErrNegativeTotal) {
		t.Errorf("total=-1: err = %v, want ErrNegativeTotal", err)
	}
}

func TestCount(t *testing.T) {
	tests := []struct {
		total, size, want int
	}{
		{0, 1000, 0},
		{1, 1000, 1},
		{1000, 1000, 1},
		{1001, 1000, 2},
		{2500, 1000, 3},
	}
	for _, tt := range tests {
		got, err := Count(tt.total, tt.size)
		if err != nil {
			t.Fatalf("Count(%d, %d) error: %v", tt.total, tt.size, err)
		}
		if got != tt.want {
			t.Errorf("Count(%d, %d) = %d, want %d", tt.total, tt.size, got, tt.want)
		}
	}
}

func TestRange_IDs(t *testing.T) {
	r := Range{Start: 1001, Finish: 1004}
	want := []int{1001, 1002, 1003, 1004}
	if got := r.IDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
	if r.Len() != 4 {
		t.Errorf("Len() = %d, want 4", r.Len())
	}
	if r.String() != "[1001,1004]" {
		t.Errorf("String() = %q", r.String())
	}
}
