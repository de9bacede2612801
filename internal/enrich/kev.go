package enrich

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/darkstar/internal/model"
)

const (
	DefaultKEVURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	DefaultKEVTTL = 6 * time.Hour
)

// KEVClient holds the CISA known exploited catalog in memory and refreshes
// it once the TTL passes.
type KEVClient struct {
	URL string
	TTL time.Duration
	hc  *http.Client
	lim *rate.Limiter

	mu        sync.Mutex
	fetchedAt time.Time
	entries   map[string]*time.Time
}

func NewKEVClient(u string) *KEVClient {
	if u == "" {
		u = DefaultKEVURL
	}
	return &KEVClient{URL: u, TTL: DefaultKEVTTL, hc: newHTTPClient(), lim: newLimiter(0)}
}

type kevCatalog struct {
	Vulnerabilities []struct {
		CVEID     string `json:"cveID"`
		DateAdded string `json:"dateAdded"`
	} `json:"vulnerabilities"`
}

func (c *KEVClient) catalog(ctx context.Context) (map[string]*time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries != nil && time.Since(c.fetchedAt) < c.TTL {
		return c.entries, nil
	}
	var cat kevCatalog
	found, err := getJSON(ctx, c.hc, c.lim, c.URL, nil, &cat)
	if err == nil && !found {
		err = errNotFound(c.URL)
	}
	if err != nil {
		if c.entries != nil {
			log.Warnf("kev: refresh failed, keeping catalog from %s: %v", c.fetchedAt.Format(time.RFC3339), err)
			return c.entries, nil
		}
		return nil, err
	}
	entries := make(map[string]*time.Time, len(cat.Vulnerabilities))
	for _, v := range cat.Vulnerabilities {
		var added *time.Time
		if t, err := time.Parse("2006-01-02", v.DateAdded); err == nil {
			added = &t
		}
		entries[strings.ToUpper(v.CVEID)] = added
	}
	c.entries = entries
	c.fetchedAt = time.Now()
	log.Infof("kev: loaded %d catalog entries", len(entries))
	return entries, nil
}

// Lookup reports whether cve is in the catalog. A CVE absent from a loaded
// catalog is known not-listed, not unknown.
func (c *KEVClient) Lookup(ctx context.Context, cve string) (*model.KEVStatus, error) {
	entries, err := c.catalog(ctx)
	if err != nil {
		return nil, err
	}
	added, ok := entries[strings.ToUpper(cve)]
	if !ok {
		return &model.KEVStatus{Listed: false}, nil
	}
	return &model.KEVStatus{Listed: true, DateAdded: added}, nil
}
