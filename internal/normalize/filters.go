package normalize

import (
	"strings"

	"driftline/internal/models"
)

// filterVerdict explains why an item was dropped before moderation.
type filterVerdict string

const (
	filterPass      filterVerdict = ""
	filterNoInclude filterVerdict = "no include keyword matched"
	filterExcluded  filterVerdict = "exclude keyword matched"
	filterLowEngage filterVerdict = "engagement below threshold"
)

// applyFilters runs the per-source content filters over the combined text.
// Matching is case-insensitive substring.
func applyFilters(settings models.SourceSettings, item models.CanonicalItem, engagement *models.Engagement) filterVerdict {
	text := combinedText(item)
	if len(settings.IncludeKeywords) > 0 && !anyKeyword(text, settings.IncludeKeywords) {
		return filterNoInclude
	}
	if anyKeyword(text, settings.ExcludeKeywords) {
		return filterExcluded
	}
	if settings.MinEngagement > 0 {
		total := 0
		if engagement != nil {
			total = engagement.Total()
		}
		if total < settings.MinEngagement {
			return filterLowEngage
		}
	}
	return filterPass
}

// defaultMinContentLength applies when the source does not set its own floor.
const defaultMinContentLength = 80

// moderate decides the moderation outcome for one item and stamps it into the
// item's attributes. AUTO_REJECTED forces ARCHIVED, NEEDS_REVIEW forces
// PENDING; only AUTO_APPROVED items continue into media or enrichment.
func moderate(settings models.SourceSettings, item *models.CanonicalItem) models.ModerationDecision {
	decision := decide(settings, *item)
	item.Attributes["moderation"] = string(decision)
	item.Attributes["reviewed"] = "false"
	switch decision {
	case models.ModerationRejected:
		item.Status = models.StatusArchived
	case models.ModerationReview:
		item.Status = models.StatusPending
	}
	return decision
}

func decide(settings models.SourceSettings, item models.CanonicalItem) models.ModerationDecision {
	if settings.Trusted {
		return models.ModerationApproved
	}
	text := combinedText(item)
	if anyKeyword(text, settings.BlockedKeywords) {
		return models.ModerationRejected
	}
	minLength := settings.MinContentLength
	if minLength <= 0 {
		minLength = defaultMinContentLength
	}
	if len([]rune(item.Title)) < 8 || len([]rune(text)) < minLength {
		return models.ModerationReview
	}
	return models.ModerationApproved
}

func combinedText(item models.CanonicalItem) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{item.Title, item.Excerpt, item.BodyText} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func anyKeyword(text string, keywords []string) bool {
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
