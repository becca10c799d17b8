package resources

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/biomapper/biomapper/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPConfig configures an HTTP JSON resource.
type HTTPConfig struct {
	Name string
	// URLTemplate may contain {id}, {source_type} and {target_type}; values
	// are path-escaped.
	URLTemplate       string
	Headers           map[string]string
	DefaultConfidence float64
	MaxResponseBody   int64
	Client            *http.Client
}

// HTTPResource resolves identifiers against a JSON service answering GET
// requests with {"results": [{"target_id": ..., "confidence": ...}]} or a bare
// array of such objects.
type HTTPResource struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPResource validates the config and creates the resource.
func NewHTTPResource(cfg HTTPConfig) (*HTTPResource, error) {
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "http resource: name is required")
	}
	sample := expandURL(cfg.URLTemplate, "x", "A", "B")
	u, err := url.ParseRequestURI(sample)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "http resource %q: invalid url template %q", cfg.Name, cfg.URLTemplate)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = 1
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPResource{cfg: cfg, client: client}, nil
}

func (h *HTTPResource) Name() string { return h.cfg.Name }

func (h *HTTPResource) Resolve(ctx context.Context, id, sourceType, targetType string) ([]Mapping, error) {
	target := expandURL(h.cfg.URLTemplate, id, sourceType, targetType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "%s: build request: %v", h.cfg.Name, err).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeResource, "%s: request failed: %v", h.cfg.Name, err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResource, "%s: read response: %v", h.cfg.Name, err).WithCause(err)
	}

	details := map[string]any{
		"status_code": resp.StatusCode,
		"url":         target,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeResource, "%s: server returned %d", h.cfg.Name, resp.StatusCode).
			WithDetails(details)
	case resp.StatusCode >= 400:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: server rejected request with %d", h.cfg.Name, resp.StatusCode).
			WithDetails(details)
	}

	mappings, err := h.decode(body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: malformed response: %v", h.cfg.Name, err).
			WithCause(err).WithDetails(details)
	}
	return mappings, nil
}

type wireMapping struct {
	TargetID   string         `json:"target_id"`
	Confidence *float64       `json:"confidence"`
	Metadata   map[string]any `json:"metadata"`
}

func (h *HTTPResource) decode(body []byte) ([]Mapping, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil
	}

	var wire []wireMapping
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, err
		}
	} else {
		var envelope struct {
			Results []wireMapping `json:"results"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		wire = envelope.Results
	}

	out := make([]Mapping, 0, len(wire))
	for _, w := range wire {
		conf := h.cfg.DefaultConfidence
		if w.Confidence != nil {
			conf = *w.Confidence
		}
		out = append(out, Mapping{TargetID: w.TargetID, Confidence: conf, Metadata: w.Metadata})
	}
	return out, nil
}

func expandURL(tmpl, id, sourceType, targetType string) string {
	return strings.NewReplacer(
		"{id}", url.PathEscape(id),
		"{source_type}", url.PathEscape(sourceType),
		"{target_type}", url.PathEscape(targetType),
	).Replace(tmpl)
}

var _ Resolver = (*HTTPResource)(nil)
var _ Resolver = (*Static)(nil)
