package fetch

import (
	"context"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
	"time"

	"driftline/internal/models"
	"driftline/internal/pipeline"
)

// feedAdapter polls RSS and Atom feeds for articles.
type feedAdapter struct {
	client *http.Client
}

func (a *feedAdapter) Fetch(ctx context.Context, job models.FetchJob) (Result, error) {
	data, err := getBody(ctx, a.client, job.Endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	feed, err := parseFeed(data)
	if err != nil {
		return Result{}, err
	}
	now := time.Now().UTC()
	items := make([]models.RawItem, 0, len(feed.entries))
	for _, entry := range feed.entries {
		items = append(items, models.RawItem{
			ExternalID:  entry.guid,
			Kind:        models.KindFeed,
			URL:         entry.link,
			Title:       entry.title,
			Body:        entry.body,
			Excerpt:     entry.summary,
			Author:      entry.author,
			PublishedAt: entry.published,
			FetchedAt:   now,
		})
	}
	return Result{Items: items, SourceName: feed.title, FeedURL: job.Endpoint}, nil
}

// podcastFeedAdapter polls podcast RSS feeds; episodes carry their audio
// enclosure as the media URL.
type podcastFeedAdapter struct {
	client *http.Client
}

func (a *podcastFeedAdapter) Fetch(ctx context.Context, job models.FetchJob) (Result, error) {
	data, err := getBody(ctx, a.client, job.Endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	feed, err := parseFeed(data)
	if err != nil {
		return Result{}, err
	}
	now := time.Now().UTC()
	items := make([]models.RawItem, 0, len(feed.entries))
	for _, entry := range feed.entries {
		// Episodes without an enclosure cannot be processed; skip them here
		// rather than failing the whole poll.
		if entry.enclosureURL == "" {
			continue
		}
		items = append(items, models.RawItem{
			ExternalID:      entry.guid,
			Kind:            models.KindPodcastFeed,
			URL:             entry.link,
			Title:           entry.title,
			Body:            entry.body,
			Excerpt:         entry.summary,
			Author:          entry.author,
			PublishedAt:     entry.published,
			MediaURL:        entry.enclosureURL,
			ThumbnailURL:    entry.imageURL,
			DurationSeconds: entry.durationSeconds,
			FetchedAt:       now,
		})
	}
	return Result{Items: items, SourceName: feed.title, FeedURL: job.Endpoint}, nil
}

type parsedFeed struct {
	title   string
	entries []feedEntry
}

type feedEntry struct {
	guid            string
	link            string
	title           string
	body            string
	summary         string
	author          string
	published       *time.Time
	enclosureURL    string
	imageURL        string
	durationSeconds int
}

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string       `xml:"title"`
	Link        string       `xml:"link"`
	GUID        string       `xml:"guid"`
	Description string       `xml:"description"`
	Encoded     string       `xml:"encoded"`
	Creator     string       `xml:"creator"`
	Author      string       `xml:"author"`
	PubDate     string       `xml:"pubDate"`
	Enclosure   rssEnclosure `xml:"enclosure"`
	Duration    string       `xml:"duration"`
	Image       rssImage     `xml:"image"`
}

type rssEnclosure struct {
	URL  string `xml:"url,attr"`
	Type string `xml:"type,attr"`
}

type rssImage struct {
	Href string `xml:"href,attr"`
}

type atomDocument struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	Title     string     `xml:"title"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Links     []atomLink `xml:"link"`
	Author    atomAuthor `xml:"author"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

// parseFeed accepts RSS 2.0 and Atom documents.
func parseFeed(data []byte) (parsedFeed, error) {
	var rss rssDocument
	if err := xml.Unmarshal(data, &rss); err == nil && len(rss.Channel.Items) > 0 {
		feed := parsedFeed{title: strings.TrimSpace(rss.Channel.Title)}
		for _, item := range rss.Channel.Items {
			entry := feedEntry{
				guid:            strings.TrimSpace(item.GUID),
				link:            strings.TrimSpace(item.Link),
				title:           strings.TrimSpace(item.Title),
				body:            strings.TrimSpace(firstNonEmpty(item.Encoded, item.Description)),
				summary:         strings.TrimSpace(item.Description),
				author:          strings.TrimSpace(firstNonEmpty(item.Creator, item.Author)),
				published:       parseFeedTime(item.PubDate),
				imageURL:        strings.TrimSpace(item.Image.Href),
				durationSeconds: parseItunesDuration(item.Duration),
			}
			if strings.HasPrefix(item.Enclosure.Type, "audio/") || strings.HasPrefix(item.Enclosure.Type, "video/") {
				entry.enclosureURL = strings.TrimSpace(item.Enclosure.URL)
			}
			if entry.guid == "" {
				entry.guid = entry.link
			}
			feed.entries = append(feed.entries, entry)
		}
		return feed, nil
	}

	var atom atomDocument
	if err := xml.Unmarshal(data, &atom); err == nil && len(atom.Entries) > 0 {
		feed := parsedFeed{title: strings.TrimSpace(atom.Title)}
		for _, entry := range atom.Entries {
			link := ""
			for _, l := range entry.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					link = l.Href
					break
				}
			}
			feed.entries = append(feed.entries, feedEntry{
				guid:      strings.TrimSpace(entry.ID),
				link:      strings.TrimSpace(link),
				title:     strings.TrimSpace(entry.Title),
				body:      strings.TrimSpace(firstNonEmpty(entry.Content, entry.Summary)),
				summary:   strings.TrimSpace(entry.Summary),
				author:    strings.TrimSpace(entry.Author.Name),
				published: parseFeedTime(firstNonEmpty(entry.Published, entry.Updated)),
			})
		}
		return feed, nil
	}
	return parsedFeed{}, pipeline.Errorf(pipeline.KindInvalidData, "document is neither RSS nor Atom")
}

var feedTimeFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseFeedTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, format := range feedTimeFormats {
		if parsed, err := time.Parse(format, raw); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}

// parseItunesDuration accepts "HH:MM:SS", "MM:SS", or plain seconds.
func parseItunesDuration(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || value < 0 {
			return 0
		}
		total = total*60 + value
	}
	return total
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
