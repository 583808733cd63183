package guard

import (
	"reflect"
	"testing"
)

func TestFilterOwned(t *testing.T) {
	owned := []string{"sub-1", "sub-2", "sub-3"}

	tests := []struct {
		name      string
		requested []string
		want      []string
	}{
		{
			name:      "全て所有",
			requested: []string{"sub-1", "sub-3"},
			want:      []string{"sub-1", "sub-3"},
		},
		{
			name:      "他ユーザーのIDは黙って除外",
			requested: []string{"sub-1", "other-9"},
			want:      []string{"sub-1"},
		},
		{
			name:      "全て他ユーザー",
			requested: []string{"other-1", "other-2"},
			want:      []string{},
		},
		{
			name:      "リクエスト順を維持",
			requested: []string{"sub-3", "sub-1", "sub-2"},
			want:      []string{"sub-3", "sub-1", "sub-2"},
		},
		{
			name:      "重複と空文字を除外",
			requested: []string{"sub-2", "", "sub-2", "sub-1"},
			want:      []string{"sub-2", "sub-1"},
		},
		{
			name:      "空リクエスト",
			requested: nil,
			want:      []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterOwned(tt.requested, owned)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterOwned(%v) = %v, want %v", tt.requested, got, tt.want)
			}
		})
	}
}

func TestFilterOwned_NoOwnedIDs(t *testing.T) {
	got := FilterOwned([]string{"sub-1"}, nil)
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestFilterOwnedMap(t *testing.T) {
	type fields struct {
		Title string
	}
	requested := map[string]fields{
		"sub-1":   {Title: "mine"},
		"other-1": {Title: "theirs"},
		"sub-2":   {Title: "also mine"},
	}

	got := FilterOwnedMap(requested, []string{"sub-1", "sub-2", "sub-3"})

	want := map[string]fields{
		"sub-1": {Title: "mine"},
		"sub-2": {Title: "also mine"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FilterOwnedMap = %v, want %v", got, want)
	}

	// 入力マップは変更しない
	if len(requested) != 3 {
		t.Errorf("requested map was mutated: %v", requested)
	}
}

func TestFilterOwnedMap_Empty(t *testing.T) {
	got := FilterOwnedMap(map[string]int{"x": 1}, nil)
	if got == nil {
		t.Fatal("expected non-nil map")
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}
