package normalize

import (
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"driftline/internal/models"
	"driftline/internal/pipeline"
)

// maxTitleLength bounds the title column on the collaborator side.
const maxTitleLength = 255

// mapItem builds the canonical record for one raw item using the kind-specific
// rules: content type, source name derivation, and media readiness.
func mapItem(job models.NormalizeJob, raw models.RawItem) (models.CanonicalItem, error) {
	item := models.CanonicalItem{
		SourceKind:      job.Kind,
		Status:          models.StatusPending,
		Title:           truncateRunes(nfc(raw.Title), maxTitleLength),
		BodyText:        nfc(raw.Body),
		Excerpt:         nfc(raw.Excerpt),
		Author:          nfc(raw.Author),
		SourceName:      sourceName(job, raw),
		SourceFeedURL:   job.FeedURL,
		MediaURL:        raw.MediaURL,
		ThumbnailURL:    raw.ThumbnailURL,
		OriginalURL:     raw.URL,
		DurationSeconds: raw.DurationSeconds,
		TopicTags:       topicTags(raw),
		Attributes:      copyAttributes(raw.Attributes),
		PublishedAt:     raw.PublishedAt,
	}

	switch job.Kind {
	case models.KindFeed, models.KindWebsite:
		item.Type = models.TypeArticle
	case models.KindVideoChannel, models.KindUpload:
		item.Type = models.TypeVideo
	case models.KindPodcastFeed:
		item.Type = models.TypePodcast
	case models.KindForum:
		if raw.Attributes["is_comment"] == "true" {
			item.Type = models.TypeComment
		} else {
			item.Type = models.TypeArticle
		}
	case models.KindMicroblog:
		item.Type = models.TypeTweet
	default:
		return models.CanonicalItem{}, pipeline.Errorf(pipeline.KindInvalidData, "source kind %s produces no items", job.Kind)
	}

	// A source-provided artifact URL means the media stage has nothing to do.
	if item.Type.MediaBearing() && raw.MediaURL != "" {
		item.Attributes["media_ready"] = "true"
	}
	// Text-only types are complete the moment the record exists.
	if !item.Type.MediaBearing() {
		item.Status = models.StatusReady
	}
	return item, nil
}

// sourceName prefers the fetcher-reported name and falls back to the item's
// hostname so every record has a human-readable origin.
func sourceName(job models.NormalizeJob, raw models.RawItem) string {
	if job.SourceName != "" {
		return nfc(job.SourceName)
	}
	if parsed, err := url.Parse(raw.URL); err == nil && parsed.Hostname() != "" {
		return strings.ToLower(parsed.Hostname())
	}
	return job.SourceID
}

func topicTags(raw models.RawItem) []string {
	rawTags := raw.Attributes["tags"]
	if rawTags == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(rawTags, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func copyAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// nfc brings source text onto one Unicode normal form so idempotency keys and
// keyword matching behave the same regardless of how the source encoded it.
func nfc(s string) string {
	return norm.NFC.String(s)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
