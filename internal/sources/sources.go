// Package sources owns the registry of external content sources: their
// descriptors, their poll schedules, and manual trigger handling.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"driftline/internal/models"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
)

// Default poll intervals per source kind. Uploads are push-only and never
// polled.
var defaultPollIntervals = map[models.SourceKind]time.Duration{
	models.KindFeed:             15 * time.Minute,
	models.KindWebsite:          time.Hour,
	models.KindVideoChannel:     time.Hour,
	models.KindPodcastFeed:      time.Hour,
	models.KindPodcastDiscovery: 24 * time.Hour,
	models.KindForum:            10 * time.Minute,
	models.KindMicroblog:        30 * time.Minute,
}

// DefaultPollInterval resolves the polling cadence for a kind; zero means
// the kind is never polled.
func DefaultPollInterval(kind models.SourceKind) time.Duration {
	return defaultPollIntervals[kind]
}

// Registry holds the live set of sources and keeps the job store's repeating
// schedules in sync with it.
type Registry struct {
	store  queue.Store
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]models.SourceDescriptor
}

// NewRegistry builds an empty Registry on top of the job store.
func NewRegistry(store queue.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		logger:  logger,
		sources: make(map[string]models.SourceDescriptor),
	}
}

func scheduleName(sourceID string) string {
	return "poll:" + sourceID
}

// Register validates a descriptor, fills in the default poll interval, and
// schedules polling when the source is enabled. Registering an existing id
// replaces the descriptor and its schedule.
func (r *Registry) Register(ctx context.Context, desc models.SourceDescriptor) error {
	desc.ID = strings.TrimSpace(desc.ID)
	if desc.ID == "" {
		return pipeline.Errorf(pipeline.KindInvalidData, "source id is required")
	}
	if _, ok := models.ParseSourceKind(string(desc.Kind)); !ok {
		return pipeline.Errorf(pipeline.KindInvalidData, "source %s: unknown kind %q", desc.ID, desc.Kind)
	}
	if desc.Kind != models.KindUpload && strings.TrimSpace(desc.Endpoint) == "" {
		return pipeline.Errorf(pipeline.KindInvalidData, "source %s: endpoint is required for kind %s", desc.ID, desc.Kind)
	}
	if desc.PollInterval <= 0 {
		desc.PollInterval = DefaultPollInterval(desc.Kind)
	}

	r.mu.Lock()
	r.sources[desc.ID] = desc
	r.mu.Unlock()

	if desc.Enabled && desc.PollInterval > 0 {
		job := r.fetchJob(desc, models.TriggerSchedule)
		if err := r.store.ScheduleRepeating(ctx, scheduleName(desc.ID), pipeline.QueueFetch, job, desc.PollInterval); err != nil {
			return fmt.Errorf("schedule source %s: %w", desc.ID, err)
		}
		r.logger.Info("source scheduled", "source_id", desc.ID, "kind", desc.Kind, "interval", desc.PollInterval)
		return nil
	}
	if err := r.store.CancelRepeating(ctx, scheduleName(desc.ID)); err != nil {
		return fmt.Errorf("unschedule source %s: %w", desc.ID, err)
	}
	return nil
}

// Unregister removes a source and its schedule. Unknown ids are a no-op.
func (r *Registry) Unregister(ctx context.Context, sourceID string) error {
	r.mu.Lock()
	delete(r.sources, sourceID)
	r.mu.Unlock()
	if err := r.store.CancelRepeating(ctx, scheduleName(sourceID)); err != nil {
		return fmt.Errorf("unschedule source %s: %w", sourceID, err)
	}
	r.logger.Info("source removed", "source_id", sourceID)
	return nil
}

// TriggerNow enqueues an immediate high-priority poll for a source,
// bypassing its schedule. Disabled and unknown sources are refused.
func (r *Registry) TriggerNow(ctx context.Context, sourceID string) (string, error) {
	r.mu.Lock()
	desc, ok := r.sources[sourceID]
	r.mu.Unlock()
	if !ok {
		return "", pipeline.Errorf(pipeline.KindInvalidData, "unknown source %s", sourceID)
	}
	if !desc.Enabled {
		return "", pipeline.Errorf(pipeline.KindInvalidData, "source %s is disabled", sourceID)
	}
	job := r.fetchJob(desc, models.TriggerManual)
	jobID, err := r.store.Enqueue(ctx, pipeline.QueueFetch, job, queue.Options{Priority: pipeline.PriorityHigh})
	if err != nil {
		return "", fmt.Errorf("trigger source %s: %w", sourceID, err)
	}
	r.logger.Info("source triggered", "source_id", sourceID, "job_id", jobID)
	return jobID, nil
}

// SetEnabled toggles a source and its schedule.
func (r *Registry) SetEnabled(ctx context.Context, sourceID string, enabled bool) error {
	r.mu.Lock()
	desc, ok := r.sources[sourceID]
	r.mu.Unlock()
	if !ok {
		return pipeline.Errorf(pipeline.KindInvalidData, "unknown source %s", sourceID)
	}
	desc.Enabled = enabled
	return r.Register(ctx, desc)
}

// Get returns a descriptor by id.
func (r *Registry) Get(sourceID string) (models.SourceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.sources[sourceID]
	return desc, ok
}

// List returns every descriptor ordered by id.
func (r *Registry) List() []models.SourceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SourceDescriptor, 0, len(r.sources))
	for _, desc := range r.sources {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) fetchJob(desc models.SourceDescriptor, trigger models.TriggerSource) models.FetchJob {
	return models.FetchJob{
		SourceID:    desc.ID,
		Kind:        desc.Kind,
		Endpoint:    desc.Endpoint,
		Settings:    desc.Settings,
		TriggeredBy: trigger,
		TriggeredAt: time.Now().UTC(),
	}
}

// fileSource is the on-disk shape of one source entry. Intervals are Go
// duration strings.
type fileSource struct {
	ID           string                `json:"id"`
	Kind         string                `json:"kind"`
	DisplayName  string                `json:"display_name"`
	Endpoint     string                `json:"endpoint"`
	Enabled      *bool                 `json:"enabled,omitempty"`
	PollInterval string                `json:"poll_interval,omitempty"`
	Settings     models.SourceSettings `json:"settings"`
	Extra        map[string]string     `json:"extra,omitempty"`
}

// LoadFile reads a JSON array of source descriptors. Sources default to
// enabled; a missing poll interval falls back to the kind default.
func LoadFile(path string) ([]models.SourceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errorf(pipeline.KindConfig, "read sources file: %v", err)
	}
	var entries []fileSource
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, pipeline.Errorf(pipeline.KindConfig, "parse sources file %s: %v", path, err)
	}
	out := make([]models.SourceDescriptor, 0, len(entries))
	for i, entry := range entries {
		kind, ok := models.ParseSourceKind(entry.Kind)
		if !ok {
			return nil, pipeline.Errorf(pipeline.KindConfig, "sources file %s entry %d: unknown kind %q", path, i, entry.Kind)
		}
		desc := models.SourceDescriptor{
			ID:          entry.ID,
			Kind:        kind,
			DisplayName: entry.DisplayName,
			Endpoint:    entry.Endpoint,
			Enabled:     true,
			Settings:    entry.Settings,
			Extra:       entry.Extra,
		}
		if entry.Enabled != nil {
			desc.Enabled = *entry.Enabled
		}
		if raw := strings.TrimSpace(entry.PollInterval); raw != "" {
			interval, err := time.ParseDuration(raw)
			if err != nil {
				return nil, pipeline.Errorf(pipeline.KindConfig, "sources file %s entry %d: parse poll_interval: %v", path, i, err)
			}
			desc.PollInterval = interval
		}
		out = append(out, desc)
	}
	return out, nil
}
