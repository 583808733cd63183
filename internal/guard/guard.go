// Package guard は一括更新・一括購読解除における所有権チェックを提供する。
//
// リクエストされたIDのうち、呼び出しユーザーが所有していないものは
// エラーにせず黙って取り除く。エラーを返すと他ユーザーのレコードの
// 存在確認に悪用できるため、失敗は常に静かに閉じる。
package guard

// FilterOwned は requested のうち owned に含まれるIDだけを返す。
// リクエスト順を維持し、空文字と重複は取り除く。
// 戻り値はnilではなく、該当がない場合は空スライスを返す。
func FilterOwned(requested, owned []string) []string {
	ownedSet := toSet(owned)

	allowed := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		if id == "" {
			continue
		}
		if _, ok := ownedSet[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		allowed = append(allowed, id)
	}
	return allowed
}

// FilterOwnedMap は requested のうち owned に含まれるキーだけを残したマップを返す。
func FilterOwnedMap[V any](requested map[string]V, owned []string) map[string]V {
	ownedSet := toSet(owned)

	allowed := make(map[string]V, len(requested))
	for id, fields := range requested {
		if _, ok := ownedSet[id]; ok {
			allowed[id] = fields
		}
	}
	return allowed
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
