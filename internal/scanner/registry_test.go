package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/darkstar/internal/model"
)

func names(scs []Scanner) []string {
	out := make([]string, len(scs))
	for i, s := range scs {
		out[i] = s.Name()
	}
	return out
}

func TestDefaultModesAreFullyRegistered(t *testing.T) {
	r := Default(Settings{}, nil)
	for _, m := range model.Modes {
		list, err := r.ModeScanners(m)
		require.NoError(t, err, m)
		for _, n := range list {
			_, err := r.New(n, m)
			assert.NoError(t, err, "%s/%s", m, n)
		}
	}
}

func TestScannersForSkipsBruteforceUnlessEnabled(t *testing.T) {
	r := Default(Settings{}, nil)

	scs, err := r.ScannersFor(model.ModeAggressive, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rustscan", "bbot", "nuclei", "nuclei-wordpress"}, names(scs))

	scs, err = r.ScannersFor(model.ModeAggressive, model.Options{Bruteforce: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"rustscan", "bbot", "nuclei", "nuclei-wordpress", "bruteforce"}, names(scs))
}

func TestScannersForHonorsDisabledOverride(t *testing.T) {
	r := Default(Settings{Overrides: map[string]model.ScannerOverride{"crtsh": {Disabled: true}}}, nil)
	scs, err := r.ScannersFor(model.ModePassive, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"bbot", "whois"}, names(scs))

	scs, err = r.ScannersFor(model.ModePassive, model.Options{Overrides: map[string]model.ScannerOverride{"bbot": {Disabled: true}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"whois"}, names(scs))
}

func TestModeFileReplacesEntries(t *testing.T) {
	r := Default(Settings{}, map[model.Mode][]string{model.ModeNormal: {"rustscan"}})
	list, err := r.ModeScanners(model.ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, []string{"rustscan"}, list)

	list, err = r.ModeScanners(model.ModePassive)
	require.NoError(t, err)
	assert.Equal(t, DefaultModes[model.ModePassive], list)
}

func TestUnknownModeAndScanner(t *testing.T) {
	r := NewRegistry(Settings{})
	_, err := r.ScannersFor(model.ModeNormal, model.Options{})
	assert.ErrorIs(t, err, model.ErrUnknownMode)

	r.SetMode(model.ModeNormal, "nope")
	_, err = r.ScannersFor(model.ModeNormal, model.Options{})
	assert.ErrorIs(t, err, ErrUnknownScanner)
}

type stubScanner struct{ name string }

func (s stubScanner) Name() string        { return s.name }
func (s stubScanner) Conflicts() []string { return nil }
func (s stubScanner) Prepare(t model.Target, _ model.Options) (*Plan, error) {
	return &Plan{Scanner: s.name, Target: t}, nil
}
func (s stubScanner) Execute(context.Context, *Plan) ([]model.RawFinding, error) { return nil, nil }
func (s stubScanner) Parse(model.RawFinding) (*model.Finding, error)           { return nil, nil }

func TestRegisterNewScanner(t *testing.T) {
	r := Default(Settings{}, nil)
	r.Register("custom", func(Settings, model.Mode) Scanner { return stubScanner{"custom"} })
	r.SetMode(model.ModePassive, "custom", "whois")

	scs, err := r.ScannersFor(model.ModePassive, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"custom", "whois"}, names(scs))
	assert.Contains(t, r.Names(), "custom")
}

func TestTimeoutResolution(t *testing.T) {
	s := Settings{
		DefaultTimeout: time.Minute,
		Overrides:      map[string]model.ScannerOverride{"nuclei": {Timeout: 2 * time.Minute, Args: []string{"-rl", "50"}}},
	}
	assert.Equal(t, time.Minute, s.timeout("bbot", model.Options{}))
	assert.Equal(t, 2*time.Minute, s.timeout("nuclei", model.Options{}))
	opts := model.Options{Overrides: map[string]model.ScannerOverride{"nuclei": {Timeout: 3 * time.Minute}}}
	assert.Equal(t, 3*time.Minute, s.timeout("nuclei", opts))
	assert.Equal(t, []string{"-rl", "50"}, s.extraArgs("nuclei", opts))
	assert.Equal(t, DefaultTimeout, Settings{}.timeout("bbot", model.Options{}))
}
