package backend

import (
	"context"
	"net/http"
)

// DefaultLookbackDays is the correlation window used by the IOC detail view.
const DefaultLookbackDays = 7

func (c *Client) SearchIOCs(ctx context.Context, token string, in SearchRequest) (SearchResult, error) {
	var out SearchResult
	err := c.Do(ctx, Request{Path: c.routes.Search, Body: in, Token: token, Out: &out})
	if out.Results == nil {
		out.Results = []IOC{}
	}
	return out, err
}

func (c *Client) FetchIOC(ctx context.Context, token string, id int64) (IOC, error) {
	var out struct {
		IOC IOC `json:"ioc"`
	}
	err := c.Do(ctx, Request{Path: c.routes.IOC, Body: map[string]int64{"id": id}, Token: token, Out: &out})
	return out.IOC, err
}

// Correlate accepts the correlation either at the top level or nested under
// "correlation".
func (c *Client) Correlate(ctx context.Context, token string, id int64, lookbackDays int) (Correlation, error) {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	var out struct {
		Correlation
		Nested *Correlation `json:"correlation"`
	}
	err := c.Do(ctx, Request{
		Path:  c.routes.Correlate,
		Body:  map[string]int64{"iocId": id, "lookbackDays": int64(lookbackDays)},
		Token: token,
		Out:   &out,
	})
	if err != nil {
		return Correlation{}, err
	}
	if out.Nested != nil && out.RelatedIOCs == nil {
		return *out.Nested, nil
	}
	return out.Correlation, nil
}

func (c *Client) ReportSummary(ctx context.Context, token, timeRange string) (Report, error) {
	if timeRange == "" {
		timeRange = "7d"
	}
	var out struct {
		Report Report `json:"report"`
	}
	err := c.Do(ctx, Request{Path: c.routes.ReportSummary, Body: map[string]string{"timeRange": timeRange}, Token: token, Out: &out})
	return out.Report, err
}

func (c *Client) Statistics(ctx context.Context, token string) (Statistics, error) {
	var out struct {
		Statistics Statistics `json:"statistics"`
	}
	err := c.Do(ctx, Request{Method: http.MethodGet, Path: c.routes.Statistics, Token: token, Out: &out})
	return out.Statistics, err
}

func (c *Client) TriggerIngest(ctx context.Context, token string) (Report, error) {
	var out struct {
		Report Report `json:"report"`
	}
	err := c.Do(ctx, Request{Path: c.routes.Ingest, Token: token, Out: &out})
	return out.Report, err
}

func (c *Client) FeedStatus(ctx context.Context, token string) (FetchStatus, error) {
	var out struct {
		FetchStatus FetchStatus `json:"fetchStatus"`
	}
	err := c.Do(ctx, Request{Method: http.MethodGet, Path: c.routes.FetchStatus, Token: token, Out: &out})
	return out.FetchStatus, err
}
