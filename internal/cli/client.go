package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pancakes/internal/market"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Client talks to the read-only results API served by pancakes-api.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type ProducerHistory struct {
	Producer market.Producer       `json:"producer"`
	History  []market.HistoryEntry `json:"history"`
}

func (c *Client) Health(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.jsonRequest(ctx, "/healthz", &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("api reports unhealthy")
	}
	return nil
}

func (c *Client) Ticks(ctx context.Context, limit int) ([]market.Tick, error) {
	path := "/v1/ticks"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Ticks []market.Tick `json:"ticks"`
	}
	err := c.jsonRequest(ctx, path, &out)
	return out.Ticks, err
}

func (c *Client) LatestTick(ctx context.Context) (market.TickDetail, error) {
	var out market.TickDetail
	err := c.jsonRequest(ctx, "/v1/ticks/latest", &out)
	return out, err
}

func (c *Client) Tick(ctx context.Context, tickID int64) (market.TickDetail, error) {
	var out market.TickDetail
	err := c.jsonRequest(ctx, fmt.Sprintf("/v1/ticks/%d", tickID), &out)
	return out, err
}

func (c *Client) Producers(ctx context.Context) ([]market.Producer, error) {
	var out struct {
		Producers []market.Producer `json:"producers"`
	}
	err := c.jsonRequest(ctx, "/v1/producers", &out)
	return out.Producers, err
}

func (c *Client) Toppings(ctx context.Context) ([]market.Topping, error) {
	var out struct {
		Toppings []market.Topping `json:"toppings"`
	}
	err := c.jsonRequest(ctx, "/v1/toppings", &out)
	return out.Toppings, err
}

func (c *Client) ProducerHistory(ctx context.Context, producerID int64, limit int) (ProducerHistory, error) {
	path := fmt.Sprintf("/v1/producers/%d/history", producerID)
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out ProducerHistory
	err := c.jsonRequest(ctx, path, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := apiMessage(raw)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("api status %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiMessage pulls the "error" field out of an error body, falling back to
// the raw text.
func apiMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
