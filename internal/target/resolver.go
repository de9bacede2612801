package target

import (
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/yourorg/darkstar/internal/model"
)

const DefaultMaxTargets = 1024

// Resolver expands comma separated target specs into unique hosts.
type Resolver struct {
	MaxTargets int
	// ExcludeNetworkBroadcast drops the first and last address of IPv4
	// prefixes of /30 and wider.
	ExcludeNetworkBroadcast bool
}

type Rejection struct {
	Fragment string
	Err      error
}

type Result struct {
	Targets  []model.Target
	Rejected []Rejection
}

// RejectedTargets converts the rejections for a ScanReport.
func (r *Result) RejectedTargets() []model.RejectedTarget {
	out := make([]model.RejectedTarget, 0, len(r.Rejected))
	for _, rj := range r.Rejected {
		out = append(out, model.RejectedTarget{Fragment: rj.Fragment, Reason: rj.Err.Error()})
	}
	return out
}

// Resolve returns targets in first-seen order. Malformed fragments are
// reported in Rejected and do not stop the others. Exceeding MaxTargets
// rejects the whole request with ErrTargetSetTooLarge; having nothing left
// after rejections returns ErrNoTargets together with the rejections.
func (r Resolver) Resolve(specs ...string) (*Result, error) {
	limit := r.MaxTargets
	if limit <= 0 {
		limit = DefaultMaxTargets
	}
	res := &Result{}
	seen := map[string]struct{}{}
	add := func(t model.Target) error {
		if _, ok := seen[t.Value]; ok {
			return nil
		}
		if len(res.Targets) >= limit {
			return fmt.Errorf("%w: more than %d hosts", ErrTargetSetTooLarge, limit)
		}
		seen[t.Value] = struct{}{}
		res.Targets = append(res.Targets, t)
		return nil
	}

	for _, spec := range specs {
		for _, frag := range strings.Split(spec, ",") {
			frag = strings.TrimSpace(frag)
			if frag == "" {
				continue
			}
			if strings.Contains(frag, "/") && !strings.Contains(frag, "://") {
				prefix, err := netip.ParsePrefix(frag)
				if err != nil {
					res.Rejected = append(res.Rejected, Rejection{frag, fmt.Errorf("%w: %v", ErrInvalidTargetSpec, err)})
					continue
				}
				if err := r.expand(prefix.Masked(), frag, limit, add); err != nil {
					return nil, err
				}
				continue
			}
			t, err := normalizeHost(frag)
			if err != nil {
				res.Rejected = append(res.Rejected, Rejection{frag, err})
				continue
			}
			if err := add(t); err != nil {
				return nil, err
			}
		}
	}

	if len(res.Targets) == 0 {
		return res, ErrNoTargets
	}
	return res, nil
}

func (r Resolver) expand(p netip.Prefix, source string, limit int, add func(model.Target) error) error {
	hostBits := p.Addr().BitLen() - p.Bits()
	size := new(big.Int).Lsh(big.NewInt(1), uint(hostBits))
	exclude := r.ExcludeNetworkBroadcast && p.Addr().Is4() && hostBits >= 2
	if exclude {
		size.Sub(size, big.NewInt(2))
	}
	if !size.IsInt64() || size.Int64() > int64(limit) {
		return fmt.Errorf("%w: %s expands to %s hosts", ErrTargetSetTooLarge, source, size.String())
	}

	n := size.Int64()
	addr := p.Addr()
	if exclude {
		addr = addr.Next()
	}
	for i := int64(0); i < n; i++ {
		if err := add(model.Target{Value: addr.String(), Kind: model.TargetIP, Source: source}); err != nil {
			return err
		}
		addr = addr.Next()
	}
	return nil
}

func normalizeHost(frag string) (model.Target, error) {
	host := frag
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil || u.Hostname() == "" {
			return model.Target{}, fmt.Errorf("%w: unparseable url", ErrInvalidTargetSpec)
		}
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Zone() != "" {
			return model.Target{}, fmt.Errorf("%w: zoned address", ErrInvalidTargetSpec)
		}
		return model.Target{Value: addr.Unmap().String(), Kind: model.TargetIP, Source: frag}, nil
	}

	name, err := normalizeDomain(host)
	if err != nil {
		return model.Target{}, err
	}
	return model.Target{Value: name, Kind: model.TargetDomain, Source: frag}, nil
}

func normalizeDomain(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTargetSpec, err)
	}
	if len(ascii) == 0 || len(ascii) > 253 {
		return "", fmt.Errorf("%w: bad hostname length", ErrInvalidTargetSpec)
	}
	labels := strings.Split(ascii, ".")
	for _, label := range labels {
		if !validLabel(label) {
			return "", fmt.Errorf("%w: bad hostname label %q", ErrInvalidTargetSpec, label)
		}
	}
	if strings.Trim(labels[len(labels)-1], "0123456789") == "" {
		return "", fmt.Errorf("%w: numeric top-level label", ErrInvalidTargetSpec)
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(ascii); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTargetSpec, err)
	}
	return ascii, nil
}

func validLabel(l string) bool {
	if len(l) == 0 || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return false
	}
	return true
}
