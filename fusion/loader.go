package fusion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/httpx"
)

// ExperimentLoader fetches and caches an experiment document from a local
// path, a file:// URI or an http(s) URL. YAML and JSON documents are both
// accepted.
type ExperimentLoader struct {
	uri    string
	client *httpx.Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	cached    *Experiments
	fetched   time.Time
	lastError error
}

// NewExperimentLoader creates a loader for the given URI.
func NewExperimentLoader(uri string, ttl time.Duration, client *httpx.Client) (*ExperimentLoader, error) {
	if uri == "" {
		return nil, errors.New("experiments uri is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if client == nil {
		client = httpx.New(httpx.Options{Timeout: 5 * time.Second})
	}
	return &ExperimentLoader{uri: uri, client: client, ttl: ttl, now: time.Now}, nil
}

// Get returns the latest document, reloading if the cache is stale. A failed
// reload keeps serving the previous document when there is one.
func (l *ExperimentLoader) Get(ctx context.Context) (*Experiments, error) {
	l.mu.RLock()
	cached, fetched := l.cached, l.fetched
	l.mu.RUnlock()
	if cached != nil && l.now().Sub(fetched) < l.ttl {
		return cached, nil
	}
	return l.reload(ctx)
}

func (l *ExperimentLoader) reload(ctx context.Context) (*Experiments, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && l.now().Sub(l.fetched) < l.ttl {
		return l.cached, nil
	}
	exps, err := l.loadOnce(ctx)
	if err != nil {
		l.lastError = err
		if l.cached != nil {
			return l.cached, nil
		}
		return nil, err
	}
	l.cached, l.fetched, l.lastError = exps, l.now(), nil
	return exps, nil
}

func (l *ExperimentLoader) loadOnce(ctx context.Context) (*Experiments, error) {
	data, err := l.read(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("experiments document is empty")
	}
	var exps Experiments
	if err := yaml.Unmarshal(data, &exps); err != nil {
		return nil, fmt.Errorf("decode experiments: %w", err)
	}
	return &exps, nil
}

func (l *ExperimentLoader) read(ctx context.Context) ([]byte, error) {
	parsed, err := url.Parse(l.uri)
	if err != nil || parsed.Scheme == "" {
		// Treat as local path
		return os.ReadFile(filepath.Clean(l.uri))
	}
	switch strings.ToLower(parsed.Scheme) {
	case "file":
		if parsed.Path == "" {
			return nil, errors.New("file uri missing path")
		}
		return os.ReadFile(filepath.Clean(parsed.Path))
	case "http", "https":
		return l.client.DoJSON(ctx, "experiments", http.MethodGet, l.uri, nil, nil)
	default:
		return nil, fmt.Errorf("unsupported experiments uri scheme: %s", parsed.Scheme)
	}
}

// LastError returns the last fetch error if any.
func (l *ExperimentLoader) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastError
}
