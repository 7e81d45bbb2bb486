package crosswalk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/resilience"
)

// RemoteBroker calls an external Honest Broker service over HTTP and
// caches results with a TTL and a max-size eviction bound. Grounded on
// the teacher's orchestration.SimpleCache (same items-map-plus-stats
// shape, the same evict-expired-then-evict-oldest fallback).
type RemoteBroker struct {
	baseURL    string
	username   string
	password   string
	token      string
	httpClient *http.Client
	logger     core.Logger

	mu      sync.RWMutex
	cache   map[string]*cacheItem
	maxSize int
	ttl     time.Duration
}

type cacheItem struct {
	value     string
	expiresAt time.Time
}

type RemoteBrokerConfig struct {
	BaseURL  string
	Username string
	Password string
	Token    string // if set, used as a bearer token instead of basic auth
	Timeout  time.Duration
	CacheTTL time.Duration
	CacheMax int
	Logger   core.Logger
}

func NewRemoteBroker(cfg RemoteBrokerConfig) *RemoteBroker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxSize := cfg.CacheMax
	if maxSize <= 0 {
		maxSize = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RemoteBroker{
		baseURL:    cfg.BaseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		cache:      make(map[string]*cacheItem),
		maxSize:    maxSize,
		ttl:        ttl,
	}
}

func (b *RemoteBroker) Lookup(ctx context.Context, inputID string, idType dicom.CrosswalkIDType) (string, error) {
	key := b.cacheKey("lookup", string(idType), inputID)
	if v, ok := b.cacheGet(key); ok {
		return v, nil
	}

	var resp struct {
		OutputID string `json:"output_id"`
	}
	if err := b.call(ctx, "/lookup", map[string]string{"input_id": inputID, "id_type": string(idType)}, &resp); err != nil {
		return "", err
	}

	b.cacheSet(key, resp.OutputID)
	return resp.OutputID, nil
}

func (b *RemoteBroker) DateShift(ctx context.Context, inputID string) (int, error) {
	key := b.cacheKey("dateshift", inputID)
	if v, ok := b.cacheGet(key); ok {
		var days int
		fmt.Sscanf(v, "%d", &days)
		return days, nil
	}

	var resp struct {
		Days int `json:"days"`
	}
	if err := b.call(ctx, "/dateshift", map[string]string{"input_id": inputID}, &resp); err != nil {
		return 0, err
	}

	b.cacheSet(key, fmt.Sprintf("%d", resp.Days))
	return resp.Days, nil
}

// call POSTs params to path, retrying transient (connection, 5xx) failures a
// bounded number of times via resilience.Retry before giving up — a broker
// blip shouldn't abort an entire study's anonymization on the first hiccup.
func (b *RemoteBroker) call(ctx context.Context, path string, params map[string]string, out interface{}) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 3
	retryCfg.InitialDelay = 200 * time.Millisecond
	retryCfg.MaxDelay = 2 * time.Second

	var status int
	var respBody io.ReadCloser
	var reqErr error

	retryErr := resilience.Retry(ctx, retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
		if err != nil {
			reqErr = err
			return nil // malformed request, not worth retrying
		}
		req.Header.Set("Content-Type", "application/json")
		if b.token != "" {
			req.Header.Set("Authorization", "Bearer "+b.token)
		} else if b.username != "" {
			req.SetBasicAuth(b.username, b.password)
		}

		resp, doErr := b.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return fmt.Errorf("broker returned status %d", resp.StatusCode)
		}
		status, respBody = resp.StatusCode, resp.Body
		return nil
	})

	if reqErr != nil {
		return reqErr
	}
	if retryErr != nil {
		return dicom.Classify("crosswalk.remote", dicom.ClassTransientTransport, retryErr)
	}
	defer respBody.Close()

	if status >= 400 {
		return dicom.Classify("crosswalk.remote", dicom.ClassPermanentTransport, fmt.Errorf("broker returned status %d", status))
	}
	return json.NewDecoder(respBody).Decode(out)
}

func (b *RemoteBroker) cacheKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		io.WriteString(h, p)
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (b *RemoteBroker) cacheGet(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.cache[key]
	if !ok {
		return "", false
	}
	if time.Now().After(item.expiresAt) {
		return "", false
	}
	return item.value, true
}

func (b *RemoteBroker) cacheSet(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.cache) >= b.maxSize {
		b.evictExpiredLocked()
		if len(b.cache) >= b.maxSize {
			b.evictOldestLocked()
		}
	}

	b.cache[key] = &cacheItem{value: value, expiresAt: time.Now().Add(b.ttl)}
}

func (b *RemoteBroker) evictExpiredLocked() {
	now := time.Now()
	for k, v := range b.cache {
		if now.After(v.expiresAt) {
			delete(b.cache, k)
		}
	}
}

func (b *RemoteBroker) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, v := range b.cache {
		if oldestKey == "" || v.expiresAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = v.expiresAt
		}
	}
	if oldestKey != "" {
		delete(b.cache, oldestKey)
	}
}
