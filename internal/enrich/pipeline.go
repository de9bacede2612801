package enrich

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/darkstar/internal/model"
)

const DefaultConcurrency = 8

type EPSSSource interface {
	Score(ctx context.Context, cve string) (*model.EPSSScore, error)
}

type KEVSource interface {
	Lookup(ctx context.Context, cve string) (*model.KEVStatus, error)
}

type BreachSource interface {
	Lookup(ctx context.Context, f model.Finding) (*model.BreachMatch, error)
}

// Pipeline attaches external risk signals. Any source may be nil, which
// turns that signal off without warnings.
type Pipeline struct {
	EPSS        EPSSSource
	KEV         KEVSource
	Breach      BreachSource
	Concurrency int
}

// memo shares one lookup per key across the findings of a run.
type memo[T any] struct {
	mu sync.Mutex
	m  map[string]*memoEntry[T]
}

type memoEntry[T any] struct {
	once sync.Once
	val  T
	err  error
}

func (c *memo[T]) do(key string, fn func() (T, error)) (T, error) {
	c.mu.Lock()
	if c.m == nil {
		c.m = map[string]*memoEntry[T]{}
	}
	e, ok := c.m[key]
	if !ok {
		e = &memoEntry[T]{}
		c.m[key] = e
	}
	c.mu.Unlock()
	e.once.Do(func() { e.val, e.err = fn() })
	return e.val, e.err
}

type signals struct {
	epss   *model.EPSSScore
	kev    *model.KEVStatus
	breach *model.BreachMatch
}

// Enrich returns one EnrichedFinding per input, in input order. Failed
// lookups leave the field nil and add a warning; findings are never
// dropped.
func (p *Pipeline) Enrich(ctx context.Context, findings []model.Finding) ([]model.EnrichedFinding, []model.Warning) {
	limit := p.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var (
		epssMemo memo[*model.EPSSScore]
		kevMemo  memo[*model.KEVStatus]

		mu       sync.Mutex
		byFP     = make(map[string]signals, len(findings))
		warnings []model.Warning
	)
	warn := func(f model.Finding, field string, err error) {
		w := model.Warning{
			Target:      f.Target,
			Fingerprint: f.Fingerprint,
			Field:       field,
			Message:     fmt.Errorf("%w: %s: %v", ErrEnrichmentUnavailable, field, err).Error(),
		}
		log.WithFields(log.Fields{"target": f.Target, "field": field}).Warn(w.Message)
		mu.Lock()
		warnings = append(warnings, w)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, f := range findings {
		g.Go(func() error {
			var s signals
			if cve := f.CVE(); cve != "" {
				if p.EPSS != nil {
					v, err := epssMemo.do(cve, func() (*model.EPSSScore, error) { return p.EPSS.Score(ctx, cve) })
					if err != nil {
						warn(f, "epss", err)
					}
					s.epss = v
				}
				if p.KEV != nil {
					v, err := kevMemo.do(cve, func() (*model.KEVStatus, error) { return p.KEV.Lookup(ctx, cve) })
					if err != nil {
						warn(f, "kev", err)
					}
					s.kev = v
				}
			}
			if p.Breach != nil && f.Type == model.FindingCredentialExposure {
				v, err := p.Breach.Lookup(ctx, f)
				if err != nil {
					warn(f, "breach", err)
				}
				s.breach = v
			}
			mu.Lock()
			byFP[f.Fingerprint] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.EnrichedFinding, len(findings))
	for i, f := range findings {
		s := byFP[f.Fingerprint]
		out[i] = model.EnrichedFinding{Finding: f, EPSS: s.epss, KEV: s.kev, Breach: s.breach}
	}
	sortWarnings(warnings)
	return out, warnings
}

func sortWarnings(ws []model.Warning) {
	sort.Slice(ws, func(i, j int) bool {
		a, b := ws[i], ws[j]
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Fingerprint != b.Fingerprint {
			return a.Fingerprint < b.Fingerprint
		}
		return a.Field < b.Field
	})
}
