package scanner

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/darkstar/internal/model"
)

var (
	cveInText = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,}`)
	ansiCodes = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
)

// serviceFinding is the shared shape for an open port so that port scanners
// and recon tools collapse onto one fingerprint.
func serviceFinding(scanner, target, host string, port int, proto string, seen time.Time) *model.Finding {
	f := &model.Finding{
		Target:     target,
		Type:       model.FindingExposedService,
		Identifier: proto + "/" + strconv.Itoa(port),
		Title:      "Open " + strings.ToUpper(proto) + " port " + strconv.Itoa(port),
		Severity:   model.SeverityInfo,
		Evidence: map[string]string{
			"host":     strings.ToLower(host),
			"port":     strconv.Itoa(port),
			"protocol": proto,
		},
		KeyFields: []string{"host", "port", "protocol"},
		Scanners:  []string{scanner},
		FirstSeen: seen,
	}
	f.Seal()
	return f
}

// assetFinding records a discovered hostname.
func assetFinding(scanner, target, name string, seen time.Time) *model.Finding {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	f := &model.Finding{
		Target:     target,
		Type:       model.FindingDiscoveredAsset,
		Identifier: "dns-name",
		Title:      "Discovered host " + name,
		Severity:   model.SeverityInfo,
		Evidence:   map[string]string{"name": name},
		KeyFields:  []string{"name"},
		Scanners:   []string{scanner},
		FirstSeen:  seen,
	}
	f.Seal()
	return f
}
