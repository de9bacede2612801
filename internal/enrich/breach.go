package enrich

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/yourorg/darkstar/internal/model"
)

const (
	DefaultPwnedPasswordsURL = "https://api.pwnedpasswords.com"
	DefaultHIBPURL           = "https://haveibeenpwned.com/api/v3"
)

// BreachClient correlates credential findings with known breaches. Password
// hashes go through the k-anonymity range API so only a five character
// prefix leaves the host; e-mail accounts use HIBP when an API key is set.
type BreachClient struct {
	PwnedURL string
	HIBPURL  string
	APIKey   string
	hc       *http.Client
	lim      *rate.Limiter
}

func NewBreachClient(pwnedURL, hibpURL, apiKey string, perSecond float64) *BreachClient {
	if pwnedURL == "" {
		pwnedURL = DefaultPwnedPasswordsURL
	}
	if hibpURL == "" {
		hibpURL = DefaultHIBPURL
	}
	return &BreachClient{
		PwnedURL: strings.TrimRight(pwnedURL, "/"),
		HIBPURL:  strings.TrimRight(hibpURL, "/"),
		APIKey:   apiKey,
		hc:       newHTTPClient(),
		lim:      newLimiter(perSecond),
	}
}

// Lookup returns nil for findings it has nothing to say about.
func (c *BreachClient) Lookup(ctx context.Context, f model.Finding) (*model.BreachMatch, error) {
	if f.Type != model.FindingCredentialExposure {
		return nil, nil
	}
	if sum := strings.ToUpper(f.Evidence["password_sha1"]); len(sum) == 40 {
		return c.password(ctx, sum)
	}
	if acct := f.Evidence["account"]; strings.Contains(acct, "@") && c.APIKey != "" {
		return c.account(ctx, acct)
	}
	return nil, nil
}

func (c *BreachClient) password(ctx context.Context, sum string) (*model.BreachMatch, error) {
	prefix, suffix := sum[:5], sum[5:]
	body, found, err := get(ctx, c.hc, c.lim, c.PwnedURL+"/range/"+prefix, http.Header{"Add-Padding": {"true"}})
	if err != nil {
		return nil, err
	}
	match := &model.BreachMatch{Source: "pwnedpasswords"}
	if !found {
		return match, nil
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		s, n, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok || !strings.EqualFold(s, suffix) {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("pwnedpasswords: bad count %q", n)
		}
		match.Count = count
		break
	}
	return match, sc.Err()
}

func (c *BreachClient) account(ctx context.Context, email string) (*model.BreachMatch, error) {
	var breaches []json.RawMessage
	u := c.HIBPURL + "/breachedaccount/" + url.PathEscape(email) + "?truncateResponse=true"
	found, err := getJSON(ctx, c.hc, c.lim, u, http.Header{"hibp-api-key": {c.APIKey}}, &breaches)
	if err != nil {
		return nil, err
	}
	match := &model.BreachMatch{Source: "hibp"}
	if found {
		match.Count = len(breaches)
	}
	return match, nil
}
