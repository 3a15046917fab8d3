// Package dedup derives stable idempotency keys for incoming items and keeps
// a sliding window of recently seen keys so re-polled feeds do not create
// duplicate content.
package dedup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"driftline/internal/models"
)

// SeenTTL is how long a key stays in the recently-seen window. Items older
// than this may be re-created; the collaborator still dedupes durably by
// idempotency key.
const SeenTTL = 24 * time.Hour

// Key derives the idempotency key for a raw item. Items with a usable URL use
// the canonicalized URL itself, so the key is recognizable to the collaborator
// and to operators. Items without one key on a digest of title and publish
// time; items with neither get a random key and are effectively never
// deduplicated.
func Key(item models.RawItem) string {
	if canonical := CanonicalURL(item.URL); canonical != "" {
		return canonical
	}
	title := strings.TrimSpace(item.Title)
	if title != "" {
		published := ""
		if item.PublishedAt != nil {
			published = item.PublishedAt.UTC().Format(time.RFC3339)
		}
		return digest("title|" + strings.ToLower(title) + "|" + published)
	}
	var entropy [8]byte
	_, _ = rand.Read(entropy[:])
	return digest(fmt.Sprintf("opaque|%d|%s", time.Now().UnixNano(), hex.EncodeToString(entropy[:])))
}

func digest(input string) string {
	sum := blake2b.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

// trackingParams are query parameters stripped during canonicalization. Two
// URLs differing only in campaign tracking identify the same item.
var trackingParams = map[string]bool{
	"ref":    true,
	"source": true,
}

// CanonicalURL normalizes a URL for identity comparison: lowercase scheme and
// host, tracking parameters removed, remaining query sorted, trailing slashes
// collapsed. It returns "" when the input is not an absolute HTTP(S) URL.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	query := parsed.Query()
	keys := make([]string, 0, len(query))
	for key := range query {
		if trackingParams[strings.ToLower(key)] || strings.HasPrefix(strings.ToLower(key), "utm_") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rebuilt := url.Values{}
	for _, key := range keys {
		for _, value := range query[key] {
			rebuilt.Add(key, value)
		}
	}
	parsed.RawQuery = rebuilt.Encode()

	path := parsed.EscapedPath()
	for strings.HasSuffix(path, "/") && path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "/" {
		path = ""
	}
	parsed.RawPath = ""
	parsed.Path = path
	return parsed.String()
}

// Store answers whether a key was seen inside the sliding window and records
// new sightings.
type Store interface {
	// Seen reports whether the key is inside the window.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records the key, refreshing its TTL.
	Mark(ctx context.Context, key string) error
}

// RedisStore keeps seen keys in Redis with a per-key TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wires a RedisStore onto an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "driftline:seen:", ttl: SeenTTL}
}

func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check seen key: %w", err)
	}
	return exists > 0, nil
}

func (s *RedisStore) Mark(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.prefix+key, "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("mark seen key: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and development runs.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time), ttl: SeenTTL, now: time.Now}
}

// SetClock overrides the store clock, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Seen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.seen[key]
	if !ok {
		return false, nil
	}
	if s.now().After(expiry) {
		delete(s.seen, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Mark(ctx context.Context, key string) error {
	s.mu.Lock()
	s.seen[key] = s.now().Add(s.ttl)
	s.mu.Unlock()
	return nil
}
