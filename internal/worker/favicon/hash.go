package favicon

import (
	"encoding/binary"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/hitoshi/feedsub/internal/model"
)

// ComputeHash はfavicon集合のハッシュを16進文字列で返す。
// フィードIDの順に並べてから計算するため、入力の順序に依存しない。
// faviconが変わるか購読フィードが増減するとハッシュが変わる。
func ComputeHash(feeds []*model.Feed) string {
	sorted := slices.Clone(feeds)
	slices.SortFunc(sorted, func(a, b *model.Feed) int {
		return strings.Compare(a.ID, b.ID)
	})

	buf := make([]byte, 0, len(sorted)*48)
	for _, f := range sorted {
		buf = append(buf, f.ID...)
		buf = append(buf, 0)
		buf = binary.BigEndian.AppendUint64(buf, xxh3.Hash(f.FaviconData))
	}

	var out [8]byte
	binary.BigEndian.PutUint64(out[:], xxh3.Hash(buf))
	return hex.EncodeToString(out[:])
}
