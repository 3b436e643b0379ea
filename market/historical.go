package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/relvacode/iso8601"
)

const historicalMaxBarLimit = 10000

// wireBar is the provider's bar payload shape.
type wireBar struct {
	Timestamp string  `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

// wireBarsResponse is one page of the provider's bars endpoint.
type wireBarsResponse struct {
	Bars          []wireBar `json:"bars"`
	NextPageToken string    `json:"next_page_token"`
	Symbol        string    `json:"symbol"`
}

// HistoricalClient fetches retrospective one-minute bars over HTTP. Transport
// retries (429/5xx/timeouts) are delegated to retryablehttp; anything that
// survives the retry budget surfaces as an error; the engine logs it and
// clears the historical-pending flag, so waiting streams arm without the
// backfill.
type HistoricalClient struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHistoricalClient creates a client against the provider base URL.
func NewHistoricalClient(baseURL string) *HistoricalClient {
	c := retryablehttp.NewClient()
	c.RetryMax = 4
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = nil
	return &HistoricalClient{baseURL: baseURL, client: c}
}

// FetchBars returns 1-minute bars for canonical in [start, end), oldest first,
// tagged SourceHistorical. Paginates until the provider stops returning a
// next-page token.
func (h *HistoricalClient) FetchBars(ctx context.Context, canonical string, start, end time.Time) ([]Bar, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("historical fetch %s: end %s not after start %s",
			canonical, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	var all []Bar
	pageToken := ""
	for {
		page, next, err := h.fetchPage(ctx, canonical, start, end, pageToken)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" || len(page) == 0 {
			break
		}
		pageToken = next
	}
	return all, nil
}

func (h *HistoricalClient) fetchPage(ctx context.Context, canonical string, start, end time.Time, pageToken string) ([]Bar, string, error) {
	u, err := url.Parse(h.baseURL + "/bars/" + canonical)
	if err != nil {
		return nil, "", fmt.Errorf("historical URL: %w", err)
	}
	q := u.Query()
	q.Set("timeframe", "1Min")
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	q.Set("limit", fmt.Sprintf("%d", historicalMaxBarLimit))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("historical fetch %s: %w", canonical, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("historical fetch %s: status %d: %s", canonical, resp.StatusCode, string(body))
	}

	var page wireBarsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", fmt.Errorf("historical fetch %s: parse response: %w", canonical, err)
	}

	bars := make([]Bar, 0, len(page.Bars))
	for _, wb := range page.Bars {
		ts, err := iso8601.ParseString(wb.Timestamp)
		if err != nil {
			continue
		}
		bars = append(bars, Bar{
			Instrument: canonical,
			OpenTime:   ts.UTC(),
			Open:       wb.Open,
			High:       wb.High,
			Low:        wb.Low,
			Close:      wb.Close,
			Volume:     wb.Volume,
			Source:     SourceHistorical,
		})
	}
	return bars, page.NextPageToken, nil
}
