package normalize

import (
	"strings"
	"testing"

	"driftline/internal/models"
)

func TestMapItemDerivesSourceNameFromHost(t *testing.T) {
	job := models.NormalizeJob{Kind: models.KindWebsite, SourceID: "site-1"}
	item, err := mapItem(job, models.RawItem{URL: "https://News.Example.COM/story", Title: "A story"})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if item.SourceName != "news.example.com" {
		t.Fatalf("source name = %q", item.SourceName)
	}
	if item.Type != models.TypeArticle || item.Status != models.StatusReady {
		t.Fatalf("item = %+v", item)
	}
}

func TestMapItemTruncatesAndNormalizesTitle(t *testing.T) {
	// e followed by a combining acute composes to a single rune under NFC.
	decomposed := "Cafe\u0301 " + strings.Repeat("x", 300)
	job := models.NormalizeJob{Kind: models.KindFeed, SourceName: "Feed"}
	item, err := mapItem(job, models.RawItem{URL: "https://example.com/1", Title: decomposed})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !strings.HasPrefix(item.Title, "Caf\u00e9 ") {
		t.Fatalf("title not composed: %q", item.Title[:10])
	}
	if got := len([]rune(item.Title)); got != 255 {
		t.Fatalf("title runes = %d, want 255", got)
	}
}

func TestMapItemMarksDirectMediaReady(t *testing.T) {
	job := models.NormalizeJob{Kind: models.KindPodcastFeed, SourceName: "Pod"}
	withEnclosure, err := mapItem(job, models.RawItem{URL: "https://pods.example.com/1", Title: "Ep 1", MediaURL: "https://cdn.example.com/1.mp3"})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !withEnclosure.MediaReady() || withEnclosure.Status != models.StatusPending {
		t.Fatalf("enclosure item = %+v", withEnclosure)
	}

	without, err := mapItem(job, models.RawItem{URL: "https://pods.example.com/2", Title: "Ep 2"})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if without.MediaReady() {
		t.Fatalf("item without enclosure marked ready")
	}
}

func TestMapItemSplitsTopicTags(t *testing.T) {
	job := models.NormalizeJob{Kind: models.KindMicroblog, SourceName: "@acct"}
	item, err := mapItem(job, models.RawItem{
		URL:        "https://micro.example.com/s/1",
		Title:      "a status",
		Attributes: map[string]string{"tags": "go, queues ,, infra"},
	})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if item.Type != models.TypeTweet {
		t.Fatalf("type = %v", item.Type)
	}
	want := []string{"go", "queues", "infra"}
	if len(item.TopicTags) != len(want) {
		t.Fatalf("tags = %v", item.TopicTags)
	}
	for i := range want {
		if item.TopicTags[i] != want[i] {
			t.Fatalf("tags = %v", item.TopicTags)
		}
	}
}

func TestMapItemRejectsNonItemKinds(t *testing.T) {
	job := models.NormalizeJob{Kind: models.KindPodcastDiscovery}
	if _, err := mapItem(job, models.RawItem{URL: "https://x", Title: "t"}); err == nil {
		t.Fatalf("discovery kind accepted")
	}
}
