package fetch

import (
	"context"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"driftline/internal/models"
	"driftline/internal/pipeline"
	"driftline/internal/sources"
)

// websiteAdapter scrapes a single page. Scraping is restricted to allowlisted
// hosts; everything else is refused without a retry.
type websiteAdapter struct {
	client    *http.Client
	allowlist *sources.Allowlist
}

func (a *websiteAdapter) Fetch(ctx context.Context, job models.FetchJob) (Result, error) {
	if !a.allowlist.Allows(job.Endpoint) {
		return Result{}, pipeline.Errorf(pipeline.KindUpstreamRejected, "host of %s is not allowlisted", job.Endpoint)
	}
	data, err := getBody(ctx, a.client, job.Endpoint, func(req *http.Request) {
		req.Header.Set("Accept", "text/html")
	})
	if err != nil {
		return Result{}, err
	}
	page := parsePage(string(data))
	if page.title == "" && page.body == "" {
		return Result{}, pipeline.Errorf(pipeline.KindInvalidData, "page %s yielded no content", job.Endpoint)
	}
	item := models.RawItem{
		ExternalID:   job.Endpoint,
		Kind:         models.KindWebsite,
		URL:          job.Endpoint,
		Title:        page.title,
		Body:         page.body,
		Excerpt:      page.description,
		Author:       page.author,
		ThumbnailURL: page.image,
		FetchedAt:    time.Now().UTC(),
	}
	return Result{Items: []models.RawItem{item}, SourceName: page.siteName}, nil
}

type parsedPage struct {
	title       string
	description string
	author      string
	image       string
	siteName    string
	body        string
}

var (
	titleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaRe     = regexp.MustCompile(`(?is)<meta\s+[^>]*>`)
	attrRe     = regexp.MustCompile(`(?is)(name|property|content)\s*=\s*"([^"]*)"`)
	scriptRe   = regexp.MustCompile(`(?is)<(script|style|nav|header|footer|aside)[^>]*>.*?</(script|style|nav|header|footer|aside)>`)
	tagRe      = regexp.MustCompile(`(?s)<[^>]+>`)
	whitespace = regexp.MustCompile(`\s+`)
	strayPunct = regexp.MustCompile(`\s+([.,;:!?])`)
)

// parsePage pulls the title, common meta tags, and a plain-text rendition of
// the page body. It is deliberately tolerant: scraped pages are messy and a
// partial extraction beats a failed poll.
func parsePage(markup string) parsedPage {
	var page parsedPage
	if match := titleRe.FindStringSubmatch(markup); match != nil {
		page.title = cleanText(match[1])
	}
	for _, tag := range metaRe.FindAllString(markup, -1) {
		var key, content string
		for _, attr := range attrRe.FindAllStringSubmatch(tag, -1) {
			switch strings.ToLower(attr[1]) {
			case "name", "property":
				key = strings.ToLower(attr[2])
			case "content":
				content = attr[2]
			}
		}
		if content == "" {
			continue
		}
		switch key {
		case "og:title":
			if page.title == "" {
				page.title = cleanText(content)
			}
		case "description", "og:description":
			if page.description == "" {
				page.description = cleanText(content)
			}
		case "author", "article:author":
			if page.author == "" {
				page.author = cleanText(content)
			}
		case "og:image":
			if page.image == "" {
				page.image = strings.TrimSpace(content)
			}
		case "og:site_name":
			page.siteName = cleanText(content)
		}
	}
	stripped := scriptRe.ReplaceAllString(markup, " ")
	// Tags become spaces so adjacent words do not merge; that leaves a stray
	// space when an inline tag closes right before punctuation.
	body := cleanText(tagRe.ReplaceAllString(stripped, " "))
	page.body = strayPunct.ReplaceAllString(body, "$1")
	return page
}

func cleanText(raw string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(html.UnescapeString(raw), " "))
}
