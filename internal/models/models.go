// Package models defines the entities exchanged between pipeline stages: the
// source descriptors the scheduler owns, the ephemeral raw items fetchers
// produce, the canonical records handed to the content-management
// collaborator, and the job payloads carried by the queue.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SourceKind identifies the family of an external content source. The set is
// closed; adding a kind means extending the constants and every per-kind
// dispatch table.
type SourceKind string

const (
	KindFeed             SourceKind = "FEED"
	KindWebsite          SourceKind = "WEBSITE"
	KindVideoChannel     SourceKind = "VIDEO_CHANNEL"
	KindPodcastFeed      SourceKind = "PODCAST_FEED"
	KindPodcastDiscovery SourceKind = "PODCAST_DISCOVERY"
	KindForum            SourceKind = "FORUM"
	KindMicroblog        SourceKind = "MICROBLOG"
	KindUpload           SourceKind = "UPLOAD"
)

// SourceKinds lists every valid kind in a stable order.
func SourceKinds() []SourceKind {
	return []SourceKind{
		KindFeed,
		KindWebsite,
		KindVideoChannel,
		KindPodcastFeed,
		KindPodcastDiscovery,
		KindForum,
		KindMicroblog,
		KindUpload,
	}
}

// ParseSourceKind normalizes a string into a SourceKind, reporting whether it
// is one of the known kinds.
func ParseSourceKind(raw string) (SourceKind, bool) {
	kind := SourceKind(strings.ToUpper(strings.TrimSpace(raw)))
	switch kind {
	case KindFeed, KindWebsite, KindVideoChannel, KindPodcastFeed,
		KindPodcastDiscovery, KindForum, KindMicroblog, KindUpload:
		return kind, true
	}
	return "", false
}

// ContentType classifies a canonical item for the collaborator.
type ContentType string

const (
	TypeArticle ContentType = "ARTICLE"
	TypeVideo   ContentType = "VIDEO"
	TypeTweet   ContentType = "TWEET"
	TypeComment ContentType = "COMMENT"
	TypePodcast ContentType = "PODCAST"
)

// MediaBearing reports whether items of this type flow through the media and
// enrichment stages.
func (t ContentType) MediaBearing() bool {
	return t == TypeVideo || t == TypePodcast
}

// ContentStatus is the lifecycle state of a canonical record as held by the
// collaborator. Transitions are monotonic: PENDING -> PROCESSING -> one of
// READY, FAILED, ARCHIVED. FAILED items are only re-driven manually.
type ContentStatus string

const (
	StatusPending    ContentStatus = "PENDING"
	StatusProcessing ContentStatus = "PROCESSING"
	StatusReady      ContentStatus = "READY"
	StatusFailed     ContentStatus = "FAILED"
	StatusArchived   ContentStatus = "ARCHIVED"
)

// ModerationDecision is attached to every canonical item during normalize.
type ModerationDecision string

const (
	ModerationApproved ModerationDecision = "AUTO_APPROVED"
	ModerationReview   ModerationDecision = "NEEDS_REVIEW"
	ModerationRejected ModerationDecision = "AUTO_REJECTED"
)

// SourceDescriptor describes one registered external source. Descriptors are
// owned by the source registry and never persisted by the pipeline.
type SourceDescriptor struct {
	ID           string            `json:"id"`
	Kind         SourceKind        `json:"kind"`
	DisplayName  string            `json:"display_name"`
	Endpoint     string            `json:"endpoint"`
	Enabled      bool              `json:"enabled"`
	PollInterval time.Duration     `json:"poll_interval"`
	Settings     SourceSettings    `json:"settings"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// SourceSettings carries the per-source knobs consulted during normalize.
type SourceSettings struct {
	Trusted          bool     `json:"trusted"`
	IncludeKeywords  []string `json:"include_keywords,omitempty"`
	ExcludeKeywords  []string `json:"exclude_keywords,omitempty"`
	BlockedKeywords  []string `json:"blocked_keywords,omitempty"`
	MinEngagement    int      `json:"min_engagement,omitempty"`
	MinContentLength int      `json:"min_content_length,omitempty"`
}

// Engagement aggregates the interaction counters a source reports for an
// item. Absent counters stay zero.
type Engagement struct {
	Likes    int `json:"likes,omitempty"`
	Shares   int `json:"shares,omitempty"`
	Comments int `json:"comments,omitempty"`
	Views    int `json:"views,omitempty"`
	Score    int `json:"score,omitempty"`
}

// Total sums the counters that feed the min_engagement filter. Views are
// deliberately excluded; they inflate passively.
func (e Engagement) Total() int {
	return e.Likes + e.Shares + e.Comments + e.Score
}

// RawItem is a fetcher's output. It lives for exactly one normalize job.
type RawItem struct {
	ExternalID      string            `json:"external_id"`
	Kind            SourceKind        `json:"kind"`
	URL             string            `json:"url"`
	Title           string            `json:"title"`
	Body            string            `json:"body,omitempty"`
	Excerpt         string            `json:"excerpt,omitempty"`
	Author          string            `json:"author,omitempty"`
	PublishedAt     *time.Time        `json:"published_at,omitempty"`
	ThumbnailURL    string            `json:"thumbnail_url,omitempty"`
	MediaURL        string            `json:"media_url,omitempty"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	Engagement      *Engagement       `json:"engagement,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	FetchedAt       time.Time         `json:"fetched_at"`
}

// CanonicalItem is the normalized, source-agnostic record handed to the
// collaborator. The collaborator owns the durable record; the pipeline only
// addresses it afterwards through the returned content ID.
type CanonicalItem struct {
	IdempotencyKey  string            `json:"idempotency_key"`
	Type            ContentType       `json:"type"`
	SourceKind      SourceKind        `json:"source"`
	Status          ContentStatus     `json:"status"`
	Title           string            `json:"title"`
	BodyText        string            `json:"body_text,omitempty"`
	Excerpt         string            `json:"excerpt,omitempty"`
	Author          string            `json:"author,omitempty"`
	SourceName      string            `json:"source_name"`
	SourceFeedURL   string            `json:"source_feed_url,omitempty"`
	MediaURL        string            `json:"media_url,omitempty"`
	ThumbnailURL    string            `json:"thumbnail_url,omitempty"`
	OriginalURL     string            `json:"original_url"`
	DurationSeconds int               `json:"duration_sec,omitempty"`
	TopicTags       []string          `json:"topic_tags,omitempty"`
	Attributes      map[string]string `json:"metadata,omitempty"`
	PublishedAt     *time.Time        `json:"published_at,omitempty"`
}

// MediaReady reports whether the source already provides a usable artifact,
// in which case the media stage is skipped entirely.
func (c CanonicalItem) MediaReady() bool {
	return c.Attributes["media_ready"] == "true"
}

// TriggerSource distinguishes scheduled polls from manual re-drives.
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
)

// FetchJob asks the fetch stage to poll one source, optionally resuming from
// a pagination cursor.
type FetchJob struct {
	SourceID    string         `json:"source_id"`
	Kind        SourceKind     `json:"kind"`
	Endpoint    string         `json:"endpoint"`
	Settings    SourceSettings `json:"settings"`
	Cursor      string         `json:"cursor,omitempty"`
	TriggeredBy TriggerSource  `json:"triggered_by"`
	TriggeredAt time.Time      `json:"triggered_at"`
}

// NormalizeJob carries one batch of raw items from a completed fetch.
type NormalizeJob struct {
	SourceID      string         `json:"source_id"`
	Kind          SourceKind     `json:"kind"`
	SourceName    string         `json:"source_name,omitempty"`
	FeedURL       string         `json:"feed_url,omitempty"`
	RawItems      []RawItem      `json:"raw_items"`
	Settings      SourceSettings `json:"settings"`
	ParentFetchID string         `json:"parent_fetch_id"`
}

// MediaOperation names one step of the media stage.
type MediaOperation string

const (
	OpDownload  MediaOperation = "download"
	OpTranscode MediaOperation = "transcode"
	OpThumbnail MediaOperation = "thumbnail"
)

// MediaJob asks the media stage to produce a processed artifact for one
// canonical record. The text fields ride along so the follow-up enrichment
// job has its embedding input without a collaborator read.
type MediaJob struct {
	ContentID    string           `json:"content_id"`
	Type         ContentType      `json:"type"`
	SourceURL    string           `json:"source_url"`
	ThumbnailURL string           `json:"thumbnail_url,omitempty"`
	Operations   []MediaOperation `json:"operations"`
	Title        string           `json:"title,omitempty"`
	BodyText     string           `json:"body_text,omitempty"`
	Excerpt      string           `json:"excerpt,omitempty"`
	TopicTags    []string         `json:"topic_tags,omitempty"`
}

// EnrichmentOperation names one best-effort enrichment step.
type EnrichmentOperation string

const (
	OpTranscript EnrichmentOperation = "transcript"
	OpEmbedding  EnrichmentOperation = "embedding"
)

// EnrichmentJob asks the enrichment stage to transcribe and embed one record.
// MediaPath points at a local processed artifact when the media stage ran in
// the same process; MediaURL is used otherwise.
type EnrichmentJob struct {
	ContentID  string                `json:"content_id"`
	Type       ContentType           `json:"type"`
	Operations []EnrichmentOperation `json:"operations"`
	Title      string                `json:"title,omitempty"`
	BodyText   string                `json:"body_text,omitempty"`
	Excerpt    string                `json:"excerpt,omitempty"`
	TopicTags  []string              `json:"topic_tags,omitempty"`
	MediaPath  string                `json:"media_path,omitempty"`
	MediaURL   string                `json:"media_url,omitempty"`
}

// DeadLetter is the terminal record written for a job that exhausted its
// retry budget. The DLQ is never drained automatically.
type DeadLetter struct {
	OriginalQueue string          `json:"original_queue"`
	OriginalJobID string          `json:"original_job_id"`
	Payload       json.RawMessage `json:"payload"`
	FailureReason string          `json:"failure_reason"`
	FailedAt      time.Time       `json:"failed_at"`
	Attempts      int             `json:"attempts"`
}
