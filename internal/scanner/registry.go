package scanner

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/darkstar/internal/model"
)

const DefaultTimeout = 30 * time.Minute

// Settings carries tool locations and tuning shared by every factory.
type Settings struct {
	BBotPath           string
	RustscanPath       string
	NucleiPath         string
	HydraPath          string
	HydraUsers         string
	HydraPasswords     string
	BruteforceServices []string
	OpenVASURL         string
	OpenVASPoll        time.Duration
	CrtshURL           string
	DNSResolver        string
	HTTPClient         *http.Client
	DefaultTimeout     time.Duration
	// Overrides come from the modes file; request options win over them.
	Overrides map[string]model.ScannerOverride
}

func (s Settings) override(name string, opts model.Options) model.ScannerOverride {
	ov := s.Overrides[name]
	if req, ok := opts.Override(name); ok {
		if req.Timeout > 0 {
			ov.Timeout = req.Timeout
		}
		if len(req.Args) > 0 {
			ov.Args = req.Args
		}
		ov.Disabled = ov.Disabled || req.Disabled
	}
	return ov
}

func (s Settings) timeout(name string, opts model.Options) time.Duration {
	if ov := s.override(name, opts); ov.Timeout > 0 {
		return ov.Timeout
	}
	if s.DefaultTimeout > 0 {
		return s.DefaultTimeout
	}
	return DefaultTimeout
}

func (s Settings) extraArgs(name string, opts model.Options) []string {
	return s.override(name, opts).Args
}

func (s Settings) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Factory builds a scanner configured for one mode.
type Factory func(s Settings, mode model.Mode) Scanner

// Registry maps scanner names to factories and modes to ordered scanner
// lists. Adding a scanner is a Register call plus a mode entry.
type Registry struct {
	mu        sync.RWMutex
	settings  Settings
	factories map[string]Factory
	modes     map[model.Mode][]string
}

func NewRegistry(s Settings) *Registry {
	return &Registry{
		settings:  s,
		factories: map[string]Factory{},
		modes:     map[model.Mode][]string{},
	}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) SetMode(m model.Mode, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[m] = append([]string(nil), names...)
}

// Names returns the registered scanner names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ModeScanners returns the ordered scanner names for m.
func (r *Registry) ModeScanners(m model.Mode) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names, ok := r.modes[m]
	if !ok || len(names) == 0 {
		return nil, fmt.Errorf("%w: %q has no scanners", ErrUnknownMode, m)
	}
	return append([]string(nil), names...), nil
}

func (r *Registry) New(name string, m model.Mode) (Scanner, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	s := r.settings
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScanner, name)
	}
	return f(s, m), nil
}

// ScannersFor instantiates the mode's scanners in mode order. Bruteforce
// scanners are left out unless the request enables them, and so are
// scanners disabled by an override.
func (r *Registry) ScannersFor(m model.Mode, opts model.Options) ([]Scanner, error) {
	names, err := r.ModeScanners(m)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	settings := r.settings
	r.mu.RUnlock()

	out := make([]Scanner, 0, len(names))
	for _, name := range names {
		if settings.override(name, opts).Disabled {
			continue
		}
		sc, err := r.New(name, m)
		if err != nil {
			return nil, err
		}
		if _, brute := sc.(Bruteforcer); brute && !opts.Bruteforce {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// DefaultModes is the built-in mode table.
var DefaultModes = map[model.Mode][]string{
	model.ModePassive:        {"bbot", "crtsh", "whois"},
	model.ModeNormal:         {"bbot", "rustscan", "dnsaxfr"},
	model.ModeAggressive:     {"rustscan", "bbot", "nuclei", "nuclei-wordpress", "bruteforce"},
	model.ModeAttackSurface:  {"bbot", "nuclei", "rustscan", "nuclei-wordpress", "bruteforce"},
	model.ModeFullAssessment: {"openvas"},
}

// Default returns a registry with every built-in scanner and the default
// mode table. modes, when non-nil, replaces individual mode entries.
func Default(s Settings, modes map[model.Mode][]string) *Registry {
	r := NewRegistry(s)
	r.Register("bbot", NewBBot)
	r.Register("rustscan", NewRustscan)
	r.Register("nuclei", NewNuclei)
	r.Register("nuclei-wordpress", NewWordPressNuclei)
	r.Register("bruteforce", NewBruteforce)
	r.Register("openvas", NewOpenVAS)
	r.Register("whois", NewWhois)
	r.Register("crtsh", NewCrtsh)
	r.Register("dnsaxfr", NewDNSAXFR)
	for m, names := range DefaultModes {
		r.SetMode(m, names...)
	}
	for m, names := range modes {
		r.SetMode(m, names...)
	}
	return r
}
