package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftline/internal/models"
	"driftline/internal/pipeline"
)

// withCursor appends a pagination cursor to an endpoint URL.
func withCursor(endpoint, cursor string) (string, error) {
	if strings.TrimSpace(cursor) == "" {
		return endpoint, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", pipeline.Errorf(pipeline.KindInvalidData, "parse endpoint %s: %v", endpoint, err)
	}
	query := parsed.Query()
	query.Set("cursor", cursor)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// videoChannelAdapter polls a video platform channel API.
type videoChannelAdapter struct {
	client *http.Client
	apiKey string
}

type videoChannelResponse struct {
	Channel struct {
		Name string `json:"name"`
	} `json:"channel"`
	Videos []struct {
		ID              string     `json:"id"`
		Title           string     `json:"title"`
		Description     string     `json:"description"`
		URL             string     `json:"url"`
		ThumbnailURL    string     `json:"thumbnail_url"`
		DurationSeconds int        `json:"duration_seconds"`
		PublishedAt     *time.Time `json:"published_at"`
		Stats           struct {
			Views int `json:"views"`
			Likes int `json:"likes"`
		} `json:"stats"`
	} `json:"videos"`
	NextCursor string `json:"next_cursor"`
}

func (a *videoChannelAdapter) Fetch(ctx context.Context, job models.FetchJob) (Result, error) {
	target, err := withCursor(job.Endpoint, job.Cursor)
	if err != nil {
		return Result{}, err
	}
	var response videoChannelResponse
	if err := getJSON(ctx, a.client, target, func(req *http.Request) { setAPIKey(req, a.apiKey) }, &response); err != nil {
		return Result{}, err
	}
	now := time.Now().UTC()
	items := make([]models.RawItem, 0, len(response.Videos))
	for _, video := range response.Videos {
		items = append(items, models.RawItem{
			ExternalID:      video.ID,
			Kind:            models.KindVideoChannel,
			URL:             video.URL,
			Title:           video.Title,
			Body:            video.Description,
			ThumbnailURL:    video.ThumbnailURL,
			DurationSeconds: video.DurationSeconds,
			PublishedAt:     video.PublishedAt,
			Engagement:      &models.Engagement{Views: video.Stats.Views, Likes: video.Stats.Likes},
			FetchedAt:       now,
		})
	}
	return Result{Items: items, SourceName: response.Channel.Name, NextCursor: response.NextCursor}, nil
}

// forumAdapter polls a discussion forum API for posts and comments.
type forumAdapter struct {
	client *http.Client
	apiKey string
}

type forumResponse struct {
	Forum struct {
		Name string `json:"name"`
	} `json:"forum"`
	Posts []struct {
		ID           string     `json:"id"`
		Title        string     `json:"title"`
		Body         string     `json:"body"`
		URL          string     `json:"url"`
		Author       string     `json:"author"`
		IsComment    bool       `json:"is_comment"`
		Score        int        `json:"score"`
		CommentCount int        `json:"comment_count"`
		CreatedAt    *time.Time `json:"created_at"`
	} `json:"posts"`
	NextCursor string `json:"next_cursor"`
}

func (a *forumAdapter) Fetch(ctx context.Context, job models.FetchJob) (Result, error) {
	target, err := withCursor(job.Endpoint, job.Cursor)
	if err != nil {
		return Result{}, err
	}
	var response forumResponse
	if err := getJSON(ctx, a.client, target, func(req *http.Request) { setAPIKey(req, a.apiKey) }, &response); err != nil {
		return Result{}, err
	}
	now := time.Now().UTC()
	items := make([]models.RawItem, 0, len(response.Posts))
	for _, post := range response.Posts {
		attributes := map[string]string{}
		if post.IsComment {
			attributes["is_comment"] = "true"
		}
		items = append(items, models.RawItem{
			ExternalID:  post.ID,
			Kind:        models.KindForum,
			URL:         post.URL,
			Title:       post.Title,
			Body:        post.Body,
			Author:      post.Author,
			PublishedAt: post.CreatedAt,
			Engagement:  &models.Engagement{Score: post.Score, Comments: post.CommentCount},
			Attributes:  attributes,
			FetchedAt:   now,
		})
	}
	return Result{Items: items, SourceName: response.Forum.Name, NextCursor: response.NextCursor}, nil
}

// microblogAdapter polls a microblogging API for short posts.
type microblogAdapter struct {
	client *http.Client
	apiKey string
}

type microblogResponse struct {
	Account struct {
		Handle string `json:"handle"`
	} `json:"account"`
	Statuses []struct {
		ID        string     `json:"id"`
		Text      string     `json:"text"`
		URL       string     `json:"url"`
		Author    string     `json:"author"`
		Likes     int        `json:"likes"`
		Reposts   int        `json:"reposts"`
		Replies   int        `json:"replies"`
		CreatedAt *time.Time `json:"created_at"`
	} `json:"statuses"`
	NextCursor string `json:"next_cursor"`
}

func (a *microblogAdapter) Fetch(ctx context.Context, job models.FetchJob) (Result, error) {
	target, err := withCursor(job.Endpoint, job.Cursor)
	if err != nil {
		return Result{}, err
	}
	var response microblogResponse
	if err := getJSON(ctx, a.client, target, func(req *http.Request) { setAPIKey(req, a.apiKey) }, &response); err != nil {
		return Result{}, err
	}
	now := time.Now().UTC()
	items := make([]models.RawItem, 0, len(response.Statuses))
	for _, status := range response.Statuses {
		title := status.Text
		if len([]rune(title)) > 80 {
			title = string([]rune(title)[:80])
		}
		items = append(items, models.RawItem{
			ExternalID:  status.ID,
			Kind:        models.KindMicroblog,
			URL:         status.URL,
			Title:       title,
			Body:        status.Text,
			Author:      status.Author,
			PublishedAt: status.CreatedAt,
			Engagement:  &models.Engagement{Likes: status.Likes, Shares: status.Reposts, Comments: status.Replies},
			FetchedAt:   now,
		})
	}
	return Result{Items: items, SourceName: response.Account.Handle, NextCursor: response.NextCursor}, nil
}

// podcastDiscoveryAdapter searches a podcast directory and fans out fetches
// of the discovered feeds instead of producing items itself.
type podcastDiscoveryAdapter struct {
	client *http.Client
}

type podcastDiscoveryResponse struct {
	Feeds []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"feeds"`
	NextCursor string `json:"next_cursor"`
}

func (a *podcastDiscoveryAdapter) Fetch(ctx context.Context, job models.FetchJob) (Result, error) {
	target, err := withCursor(job.Endpoint, job.Cursor)
	if err != nil {
		return Result{}, err
	}
	var response podcastDiscoveryResponse
	if err := getJSON(ctx, a.client, target, nil, &response); err != nil {
		return Result{}, err
	}
	feeds := make([]string, 0, len(response.Feeds))
	for _, feed := range response.Feeds {
		if strings.TrimSpace(feed.URL) != "" {
			feeds = append(feeds, feed.URL)
		}
	}
	return Result{DiscoveredFeeds: feeds, NextCursor: response.NextCursor}, nil
}
