package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultHermesURL is the public Pyth Hermes REST endpoint.
const DefaultHermesURL = "https://hermes.pyth.network"

// PythPoller polls Hermes for the latest price of each feed.
type PythPoller struct {
	baseURL    string
	feedIDs    []string
	interval   time.Duration
	httpClient *http.Client
	sink       *Sink
	logger     *slog.Logger
}

// NewPythPoller creates a poller. A non-positive interval defaults to 5s.
func NewPythPoller(baseURL string, feedIDs []string, interval time.Duration, sink *Sink, logger *slog.Logger) *PythPoller {
	if baseURL == "" {
		baseURL = DefaultHermesURL
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PythPoller{
		baseURL:    baseURL,
		feedIDs:    feedIDs,
		interval:   interval,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sink:       sink,
		logger:     logger.With(slog.String("component", "pyth_http")),
	}
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on
// the next tick.
func (p *PythPoller) Run(ctx context.Context) error {
	if len(p.feedIDs) == 0 {
		p.logger.Info("no feed ids to poll, exiting")
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.sink.metrics.OracleError("pyth_http")
			p.logger.Warn("poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches every feed once and hands the results to the sink.
func (p *PythPoller) Poll(ctx context.Context) error {
	q := url.Values{}
	for _, id := range p.feedIDs {
		q.Add("ids[]", NormalizeFeedID(id))
	}
	var feeds []pythFeed
	if err := p.doGet(ctx, "/api/latest_price_feeds", q, &feeds); err != nil {
		return err
	}
	for _, f := range feeds {
		obs, err := f.observation()
		if err != nil {
			p.logger.Warn("bad price feed", slog.String("error", err.Error()))
			continue
		}
		if err := p.sink.Handle(ctx, Update{FeedID: f.ID, Observation: obs, Source: "pyth_http"}); err != nil {
			return err
		}
	}
	return nil
}

func (p *PythPoller) doGet(ctx context.Context, path string, query url.Values, dst any) error {
	u := p.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("oracle: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("oracle: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("oracle: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle: GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("oracle: decode response: %w", err)
	}
	return nil
}
