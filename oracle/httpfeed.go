package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// HTTPFeed reads rounds from a JSON endpoint. The endpoint serves the latest
// round at its base URL and historical rounds at /rounds/{id}.
type HTTPFeed struct {
	name    string
	baseURL string
	client  *http.Client
}

type roundPayload struct {
	RoundID         uint64 `json:"roundId"`
	Answer          string `json:"answer"`
	UpdatedAt       int64  `json:"updatedAt"`
	AnsweredInRound uint64 `json:"answeredInRound"`
}

func NewHTTPFeed(name, baseURL string, client *http.Client) *HTTPFeed {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFeed{name: name, baseURL: baseURL, client: client}
}

func (f *HTTPFeed) Name() string { return f.name }

func (f *HTTPFeed) LatestRound(ctx context.Context) (RoundData, error) {
	return f.fetch(ctx, f.baseURL)
}

func (f *HTTPFeed) Round(ctx context.Context, roundID uint64) (RoundData, error) {
	return f.fetch(ctx, fmt.Sprintf("%s/rounds/%d", f.baseURL, roundID))
}

func (f *HTTPFeed) fetch(ctx context.Context, url string) (RoundData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RoundData{}, fmt.Errorf("oracle: feed %s: %w", f.name, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return RoundData{}, fmt.Errorf("oracle: feed %s: %w", f.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RoundData{}, fmt.Errorf("oracle: feed %s: unexpected status %d", f.name, resp.StatusCode)
	}
	var payload roundPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return RoundData{}, fmt.Errorf("oracle: feed %s: decode round: %w", f.name, err)
	}
	answer, ok := new(big.Int).SetString(payload.Answer, 10)
	if !ok {
		return RoundData{}, fmt.Errorf("oracle: feed %s: invalid answer %q", f.name, payload.Answer)
	}
	return RoundData{
		RoundID:         payload.RoundID,
		Answer:          answer,
		UpdatedAt:       time.Unix(payload.UpdatedAt, 0),
		AnsweredInRound: payload.AnsweredInRound,
	}, nil
}
