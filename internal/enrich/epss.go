package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/yourorg/darkstar/internal/model"
)

const (
	DefaultEPSSURL          = "https://api.first.org/data/v1/epss"
	DefaultExploitThreshold = 0.65
)

// EPSSClient queries the FIRST exploit prediction API.
type EPSSClient struct {
	BaseURL   string
	Threshold float64
	hc        *http.Client
	lim       *rate.Limiter
}

func NewEPSSClient(baseURL string, perSecond float64) *EPSSClient {
	if baseURL == "" {
		baseURL = DefaultEPSSURL
	}
	return &EPSSClient{BaseURL: baseURL, Threshold: DefaultExploitThreshold, hc: newHTTPClient(), lim: newLimiter(perSecond)}
}

type epssResponse struct {
	Status string `json:"status"`
	Data   []struct {
		CVE        string `json:"cve"`
		EPSS       string `json:"epss"`
		Percentile string `json:"percentile"`
	} `json:"data"`
}

// Score returns nil when the feed has no entry for cve.
func (c *EPSSClient) Score(ctx context.Context, cve string) (*model.EPSSScore, error) {
	var resp epssResponse
	found, err := getJSON(ctx, c.hc, c.lim, c.BaseURL+"?cve="+url.QueryEscape(cve), nil, &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	for _, d := range resp.Data {
		if !strings.EqualFold(d.CVE, cve) {
			continue
		}
		score, err := strconv.ParseFloat(d.EPSS, 64)
		if err != nil {
			return nil, fmt.Errorf("epss %s: score %q: %w", cve, d.EPSS, err)
		}
		pct, _ := strconv.ParseFloat(d.Percentile, 64)
		return &model.EPSSScore{Score: score, Percentile: pct, ExploitLikely: pct >= c.Threshold}, nil
	}
	return nil, nil
}
