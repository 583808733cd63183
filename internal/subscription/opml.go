package subscription

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"
)

// OPML 2.0 の購読リスト。
type opmlDocument struct {
	XMLName xml.Name    `xml:"opml"`
	Version string      `xml:"version,attr"`
	Head    opmlHead    `xml:"head"`
	Body    []opmlEntry `xml:"body>outline"`
}

type opmlHead struct {
	Title       string `xml:"title"`
	DateCreated string `xml:"dateCreated"`
}

type opmlEntry struct {
	Type    string `xml:"type,attr"`
	Text    string `xml:"text,attr"`
	Title   string `xml:"title,attr"`
	XMLURL  string `xml:"xmlUrl,attr"`
	HTMLURL string `xml:"htmlUrl,attr,omitempty"`
}

// ExportOPML はユーザーの購読一覧をOPML 2.0形式で返す。
// 各アウトラインのタイトルにはユーザーが設定した表示名を優先して使う。
func (s *Service) ExportOPML(ctx context.Context, userID string) ([]byte, error) {
	subs, err := s.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	doc := opmlDocument{
		Version: "2.0",
		Head: opmlHead{
			Title:       "feedsub subscriptions",
			DateCreated: s.now().UTC().Format(time.RFC1123Z),
		},
		Body: make([]opmlEntry, 0, len(subs)),
	}
	for _, sub := range subs {
		title := sub.Title
		if title == "" {
			title = sub.FeedURL
		}
		doc.Body = append(doc.Body, opmlEntry{
			Type:    "rss",
			Text:    title,
			Title:   title,
			XMLURL:  sub.FeedURL,
			HTMLURL: sub.SiteURL,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("OPMLの生成に失敗しました: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
