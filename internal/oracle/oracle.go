package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pancakes/internal/market"
)

const (
	DefaultTimeout = 60 * time.Second
	DefaultRetries = 1
)

// Reasoner is a text-generation backend. schema is the JSON schema the
// answer must satisfy; backends that support structured output forward it.
type Reasoner interface {
	Name() string
	Generate(ctx context.Context, prompt string, schema map[string]any) (string, error)
}

// Pinger is implemented by backends that can be probed before a run.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Recorder receives one entry per oracle attempt.
type Recorder interface {
	Append(v any) error
}

type Exchange struct {
	Time     time.Time `json:"time"`
	TickID   int64     `json:"tick_id"`
	Kind     string    `json:"kind"`
	AgentID  int64     `json:"agent_id"`
	Attempt  int       `json:"attempt"`
	Backend  string    `json:"backend"`
	Prompt   string    `json:"prompt"`
	Response string    `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
	Degraded bool      `json:"degraded"`
}

type MenuRequest struct {
	TickID             int64
	Producer           market.Producer
	MenuSize           int
	MaxSwaps           int
	Catalog            []market.Topping
	PreviousMenu       []int64
	PreviousFluffiness int
	History            []market.HistoryEntry
	InCrisis           bool
	// RNG drives the fallback; it must belong to this producer alone.
	RNG *rand.Rand
}

type MenuDecision struct {
	Keep       []int64 `json:"keep"`
	Wishlist   []int64 `json:"wishlist"`
	Fluffiness int     `json:"fluffiness"`
	Reasoning  string  `json:"reasoning"`
	Degraded   bool    `json:"degraded"`
	Cause      error   `json:"-"`
}

type Option struct {
	Label      string
	Fluffiness int
	Toppings   []string
}

type ChoiceRequest struct {
	TickID   int64
	Consumer market.Consumer
	Options  []Option
	RNG      *rand.Rand
}

type ChoiceDecision struct {
	Label     string `json:"label"`
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
	Degraded  bool   `json:"degraded"`
	Cause     error  `json:"-"`
}

type Options struct {
	Timeout time.Duration
	Retries int
}

// Client wraps a Reasoner with per-attempt timeouts, strict response
// validation, one retry and a seeded fallback. It never returns an error.
type Client struct {
	backend  Reasoner
	timeout  time.Duration
	retries  int
	log      *slog.Logger
	recorder Recorder
}

func NewClient(backend Reasoner, opts Options, logger *slog.Logger) *Client {
	if backend == nil {
		backend = Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Client{
		backend: backend,
		timeout: opts.Timeout,
		retries: opts.Retries,
		log:     logger,
	}
}

// WithRecorder returns a copy of c that appends every exchange to r.
func (c *Client) WithRecorder(r Recorder) *Client {
	cp := *c
	cp.recorder = r
	return &cp
}

func (c *Client) Backend() string { return c.backend.Name() }

func (c *Client) Ping(ctx context.Context) error {
	p, ok := c.backend.(Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

func (c *Client) ProposeMenu(ctx context.Context, req MenuRequest) MenuDecision {
	byName := make(map[string]int64, len(req.Catalog))
	for _, t := range req.Catalog {
		byName[t.Name] = t.ID
	}
	schemaDoc := menuSchema(req)
	prompt := producerPrompt(req)

	var dec MenuDecision
	err := c.generate(ctx, req.TickID, "menu", req.Producer.ID, prompt, schemaDoc, func(raw string, schema *jsonschema.Schema) error {
		var resp menuResponse
		if err := decodeStrict(raw, schema, &resp); err != nil {
			return err
		}
		var err error
		dec, err = resp.decision(req, byName)
		return err
	})
	if err == nil {
		return dec
	}

	dec = FallbackMenu(req)
	dec.Cause = err
	c.log.Warn("oracle degraded", "degraded", true, "kind", "menu", "tick_id", req.TickID,
		"producer_id", req.Producer.ID, "err", err)
	return dec
}

func (c *Client) ChooseOption(ctx context.Context, req ChoiceRequest) ChoiceDecision {
	prompt := consumerPrompt(req)
	schemaDoc := choiceSchema(req)

	var resp choiceResponse
	err := c.generate(ctx, req.TickID, "choice", req.Consumer.ID, prompt, schemaDoc, func(raw string, schema *jsonschema.Schema) error {
		return decodeStrict(raw, schema, &resp)
	})
	if err == nil {
		return ChoiceDecision{Label: resp.ChosenProducer, Score: resp.EnticementScore, Reasoning: resp.Reasoning}
	}

	dec := FallbackChoice(req)
	dec.Cause = err
	c.log.Warn("oracle degraded", "degraded", true, "kind", "choice", "tick_id", req.TickID,
		"consumer_id", req.Consumer.ID, "err", err)
	return dec
}

// generate runs up to retries+1 attempts; accept decodes and checks one
// raw answer.
func (c *Client) generate(ctx context.Context, tickID int64, kind string, agentID int64, prompt string, schemaDoc map[string]any, accept func(string, *jsonschema.Schema) error) error {
	compiled, err := compileSchema(kind, schemaDoc)
	if err != nil {
		return fmt.Errorf("%w: compile schema: %v", market.ErrOracleMalformedResponse, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", market.ErrOracleTimeout, ctx.Err())
		}
		raw, err := c.attempt(ctx, prompt, schemaDoc)
		if err == nil {
			err = accept(raw, compiled)
		}
		last := attempt == c.retries+1
		c.record(tickID, kind, agentID, attempt, prompt, raw, err, err != nil && last)
		if err == nil {
			return nil
		}
		lastErr = err
		c.log.Debug("oracle attempt failed", "kind", kind, "tick_id", tickID, "agent_id", agentID,
			"attempt", attempt, "err", err)
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, prompt string, schemaDoc map[string]any) (string, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.backend.Generate(actx, prompt, schemaDoc)
	if err != nil {
		if errors.Is(err, market.ErrOracleMalformedResponse) {
			return raw, err
		}
		return raw, fmt.Errorf("%w: %s: %v", market.ErrOracleTimeout, c.backend.Name(), err)
	}
	return raw, nil
}

func (c *Client) record(tickID int64, kind string, agentID int64, attempt int, prompt, raw string, err error, degraded bool) {
	if c.recorder == nil {
		return
	}
	ex := Exchange{
		Time:     time.Now().UTC(),
		TickID:   tickID,
		Kind:     kind,
		AgentID:  agentID,
		Attempt:  attempt,
		Backend:  c.backend.Name(),
		Prompt:   prompt,
		Response: raw,
		Degraded: degraded,
	}
	if err != nil {
		ex.Error = err.Error()
	}
	if werr := c.recorder.Append(ex); werr != nil {
		c.log.Warn("transcript append failed", "tick_id", tickID, "err", werr)
	}
}

// decodeStrict accepts exactly one JSON object that satisfies schema.
func decodeStrict(raw string, schema *jsonschema.Schema, out any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", market.ErrOracleMalformedResponse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON object", market.ErrOracleMalformedResponse)
	}
	if _, ok := doc.(map[string]any); !ok {
		return fmt.Errorf("%w: response is not a JSON object", market.ErrOracleMalformedResponse)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", market.ErrOracleMalformedResponse, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", market.ErrOracleMalformedResponse, err)
	}
	return nil
}

type menuResponse struct {
	Reasoning      string   `json:"reasoning"`
	KeepToppings   []string `json:"keep_toppings"`
	WantedToppings []string `json:"wanted_toppings"`
	Fluffiness     int      `json:"fluffiness"`
}

func (r menuResponse) decision(req MenuRequest, byName map[string]int64) (MenuDecision, error) {
	dec := MenuDecision{Fluffiness: r.Fluffiness, Reasoning: r.Reasoning}
	kept := make(map[int64]struct{}, len(r.KeepToppings))
	for _, name := range r.KeepToppings {
		id := byName[name]
		kept[id] = struct{}{}
		dec.Keep = append(dec.Keep, id)
	}
	for _, name := range r.WantedToppings {
		id := byName[name]
		if _, dup := kept[id]; dup {
			continue
		}
		dec.Wishlist = append(dec.Wishlist, id)
	}
	if len(dec.Keep)+len(dec.Wishlist) < req.MenuSize {
		return MenuDecision{}, fmt.Errorf("%w: %d kept + %d wanted toppings cannot fill a menu of %d",
			market.ErrOracleMalformedResponse, len(dec.Keep), len(dec.Wishlist), req.MenuSize)
	}
	return dec, nil
}

type choiceResponse struct {
	Reasoning       string `json:"reasoning"`
	ChosenProducer  string `json:"chosen_producer"`
	EnticementScore int    `json:"enticement_score"`
}
