// Package opensearch indexes run lifecycle events as OpenSearch (or
// Elasticsearch) documents.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loykin/chatvisor/internal/history"
)

// Sink writes each event to <baseURL>/<index>/_doc/<id>. The id is derived
// from the event, so a retried send overwrites instead of duplicating.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// docID names the event document: run, type and occurrence time.
func docID(e history.Event) string {
	id := e.Record.RunID
	if id == "" {
		id = "unknown"
	}
	return id + "-" + string(e.Type) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := s.baseURL + "/" + url.PathEscape(s.index) + "/_doc/" + url.PathEscape(docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
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
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if reason := gjson.GetBytes(body, "error.reason").String(); reason != "" {
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index, resp.StatusCode, reason)
	}
	return fmt.Errorf("opensearch index %s: status %d", s.index, resp.StatusCode)
}
