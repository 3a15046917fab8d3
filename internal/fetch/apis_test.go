package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"driftline/internal/models"
)

func TestVideoChannelAdapterPagination(t *testing.T) {
	var gotKey, gotCursor string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotCursor = r.URL.Query().Get("cursor")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"channel": map[string]string{"name": "Example Channel"},
			"videos": []map[string]any{
				{
					"id": "v-1", "title": "A video", "url": "https://videos.example.com/v-1",
					"thumbnail_url": "https://videos.example.com/v-1.jpg", "duration_seconds": 120,
					"stats": map[string]int{"views": 5000, "likes": 40},
				},
			},
			"next_cursor": "page-2",
		})
	}))
	t.Cleanup(server.Close)

	adapter := &videoChannelAdapter{client: server.Client(), apiKey: "vid-key"}
	result, err := adapter.Fetch(context.Background(), models.FetchJob{
		Kind:     models.KindVideoChannel,
		Endpoint: server.URL + "/channels/1/videos",
		Cursor:   "page-1",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotKey != "vid-key" || gotCursor != "page-1" {
		t.Fatalf("request: key=%q cursor=%q", gotKey, gotCursor)
	}
	if result.NextCursor != "page-2" || result.SourceName != "Example Channel" {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Items) != 1 {
		t.Fatalf("items = %d", len(result.Items))
	}
	item := result.Items[0]
	if item.Kind != models.KindVideoChannel || item.DurationSeconds != 120 {
		t.Fatalf("item = %+v", item)
	}
	if item.Engagement == nil || item.Engagement.Views != 5000 || item.Engagement.Likes != 40 {
		t.Fatalf("engagement = %+v", item.Engagement)
	}
}

func TestForumAdapterMapsEngagement(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"forum": map[string]string{"name": "Example Forum"},
			"posts": []map[string]any{
				{"id": "p-1", "title": "A post", "body": "text", "score": 12, "comment_count": 3},
				{"id": "c-1", "body": "a reply", "is_comment": true, "score": 2},
			},
		})
	}))
	t.Cleanup(server.Close)

	adapter := &forumAdapter{client: server.Client()}
	result, err := adapter.Fetch(context.Background(), models.FetchJob{Kind: models.KindForum, Endpoint: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d", len(result.Items))
	}
	if result.Items[0].Engagement.Score != 12 || result.Items[0].Engagement.Comments != 3 {
		t.Fatalf("post engagement = %+v", result.Items[0].Engagement)
	}
	if result.Items[1].Attributes["is_comment"] != "true" {
		t.Fatalf("comment attributes = %+v", result.Items[1].Attributes)
	}
}

func TestMicroblogAdapterDerivesTitle(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "status "
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"account": map[string]string{"handle": "@example"},
			"statuses": []map[string]any{
				{"id": "s-1", "text": long, "likes": 7, "reposts": 2, "replies": 1},
			},
		})
	}))
	t.Cleanup(server.Close)

	adapter := &microblogAdapter{client: server.Client()}
	result, err := adapter.Fetch(context.Background(), models.FetchJob{Kind: models.KindMicroblog, Endpoint: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	item := result.Items[0]
	if len([]rune(item.Title)) != 80 {
		t.Fatalf("title length = %d, want 80-rune cap", len([]rune(item.Title)))
	}
	if item.Body != long {
		t.Fatalf("body truncated")
	}
	if item.Engagement.Shares != 2 || item.Engagement.Likes != 7 || item.Engagement.Comments != 1 {
		t.Fatalf("engagement = %+v", item.Engagement)
	}
}

func TestPodcastDiscoveryAdapterListsFeeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"feeds": []map[string]string{
				{"url": "https://pods.example.com/a.xml", "title": "Pod A"},
				{"url": "", "title": "broken"},
				{"url": "https://pods.example.com/b.xml", "title": "Pod B"},
			},
		})
	}))
	t.Cleanup(server.Close)

	adapter := &podcastDiscoveryAdapter{client: server.Client()}
	result, err := adapter.Fetch(context.Background(), models.FetchJob{Kind: models.KindPodcastDiscovery, Endpoint: server.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(result.DiscoveredFeeds) != 2 {
		t.Fatalf("feeds = %v", result.DiscoveredFeeds)
	}
	if len(result.Items) != 0 {
		t.Fatalf("discovery should not produce items")
	}
}
