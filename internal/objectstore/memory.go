package objectstore

import (
	"context"
	"os"
	"strings"
	"sync"
)

// MemoryClient is an in-process Client for tests and development runs.
type MemoryClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	baseURL string
}

// NewMemoryClient constructs an empty MemoryClient whose public URLs are
// rooted at baseURL.
func NewMemoryClient(baseURL string) *MemoryClient {
	return &MemoryClient{
		objects: make(map[string][]byte),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (m *MemoryClient) Upload(ctx context.Context, key, contentType string, body []byte) (Object, error) {
	key = cleanKey(key)
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), body...)
	m.mu.Unlock()
	return Object{Key: key, URL: m.PublicURL(key)}, nil
}

func (m *MemoryClient) UploadFile(ctx context.Context, key, contentType, path string) (Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Object{}, err
	}
	return m.Upload(ctx, key, contentType, data)
}

func (m *MemoryClient) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[cleanKey(key)]
	return ok, nil
}

func (m *MemoryClient) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, cleanKey(key))
	m.mu.Unlock()
	return nil
}

func (m *MemoryClient) PublicURL(key string) string {
	if m.baseURL == "" {
		return ""
	}
	return m.baseURL + "/" + cleanKey(key)
}

// Get returns a stored object, for test assertions.
func (m *MemoryClient) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[cleanKey(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
