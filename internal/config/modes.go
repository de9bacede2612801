package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/darkstar/internal/model"
)

// ModesFile is the YAML mode table:
//
//	modes:
//	  normal: [bbot, rustscan, dnsaxfr]
//	scanners:
//	  nuclei:
//	    timeout: 45m
//	    args: ["-rl", "50"]
type ModesFile struct {
	Modes    map[string][]string              `yaml:"modes"`
	Scanners map[string]model.ScannerOverride `yaml:"scanners"`
}

func LoadModes(path string) (ModesFile, error) {
	var m ModesFile
	b, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("modes file: %w", err)
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("modes file %s: %w", path, err)
	}
	if _, err := m.ModeTable(); err != nil {
		return m, fmt.Errorf("modes file %s: %w", path, err)
	}
	return m, nil
}

// ModeTable resolves mode keys, which may be names or the numeric CLI values.
func (m ModesFile) ModeTable() (map[model.Mode][]string, error) {
	if len(m.Modes) == 0 {
		return nil, nil
	}
	out := make(map[model.Mode][]string, len(m.Modes))
	for k, names := range m.Modes {
		mode, err := model.ParseMode(k)
		if err != nil {
			return nil, err
		}
		out[mode] = names
	}
	return out, nil
}
