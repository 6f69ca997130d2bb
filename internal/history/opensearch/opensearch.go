package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loykin/tunnelwatch/internal/history"
)

const (
	DefaultIndex = "tunnel-history"

	requestTimeout = 5 * time.Second
	maxErrorBody   = 4 << 10
)

// document is the indexed shape of a history event. @timestamp lets
// dashboards pick the time field without a custom mapping.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Event     string    `json:"event"`
	PID       int       `json:"pid"`
	URL       string    `json:"url,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink indexes events into one OpenSearch (or Elasticsearch) index through
// the document API. Credentials in baseURL are sent as basic auth.
type Sink struct {
	client   *http.Client
	endpoint string
}

func New(baseURL, index string) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	return &Sink{
		client:   &http.Client{Timeout: requestTimeout},
		endpoint: strings.TrimRight(baseURL, "/") + "/" + index + "/_doc",
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{
		Timestamp: e.OccurredAt.UTC(),
		Event:     string(e.Type),
		PID:       e.PID,
		URL:       e.URL,
		Detail:    e.Detail,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if reason := gjson.GetBytes(raw, "error.reason").String(); reason != "" {
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, reason)
	}
	return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
}
