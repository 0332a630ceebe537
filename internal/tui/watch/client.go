package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/mcplocal/internal/api"
	"github.com/mattjoyce/mcplocal/internal/events"
)

// Client reads a bridge's health and event stream.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the bridge at baseURL. An empty token
// sends no Authorization header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

func (c *Client) get(ctx context.Context, path string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return resp, nil
}

// Health fetches GET /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var h api.HealthzResponse
	resp, err := c.get(ctx, "/healthz", nil)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode healthz: %w", err)
	}
	return h, nil
}

// Stream follows GET /events, resuming after lastID, and calls fn for each
// event until the stream ends or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, lastID int64, fn func(events.Event)) error {
	header := http.Header{}
	if lastID > 0 {
		header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}
	resp, err := c.get(ctx, "/events", header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var (
		current events.Event
		data    []string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				current.At = time.Now()
				current.Data = json.RawMessage(strings.Join(data, "\n"))
				fn(current)
			}
			current, data = events.Event{}, nil
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[6:])
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
