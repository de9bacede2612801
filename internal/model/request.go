package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownMode = errors.New("unknown scan mode")

type Mode string

const (
	ModePassive        Mode = "passive"
	ModeNormal         Mode = "normal"
	ModeAggressive     Mode = "aggressive"
	ModeAttackSurface  Mode = "attack-surface"
	ModeFullAssessment Mode = "full-assessment"
)

// Modes lists every mode in its legacy numeric order (1..5).
var Modes = []Mode{ModePassive, ModeNormal, ModeAggressive, ModeAttackSurface, ModeFullAssessment}

// ParseMode accepts the numeric CLI values 1..5 as well as mode names.
// "openvas" is the historical name of full-assessment.
func ParseMode(s string) (Mode, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "1", "passive":
		return ModePassive, nil
	case "2", "normal":
		return ModeNormal, nil
	case "3", "aggressive":
		return ModeAggressive, nil
	case "4", "attack-surface", "attacksurface", "attack_surface":
		return ModeAttackSurface, nil
	case "5", "openvas", "full-assessment", "full":
		return ModeFullAssessment, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// ScannerOverride adjusts one scanner for a request or via the modes file.
type ScannerOverride struct {
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	Args     []string      `json:"args,omitempty" yaml:"args"`
	Disabled bool          `json:"disabled,omitempty" yaml:"disabled"`
}

type Options struct {
	Bruteforce        bool                       `json:"bruteforce"`
	BruteforceTimeout time.Duration              `json:"bruteforce_timeout"`
	Overrides         map[string]ScannerOverride `json:"overrides,omitempty"`
}

// Override returns the override registered for scanner, if any.
func (o Options) Override(scanner string) (ScannerOverride, bool) {
	ov, ok := o.Overrides[scanner]
	return ov, ok
}

// ScanRequest is immutable once handed to the orchestrator.
type ScanRequest struct {
	ID           string    `json:"id"`
	Targets      []string  `json:"targets"`
	Mode         Mode      `json:"mode"`
	Organization string    `json:"organization"`
	Options      Options   `json:"options"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

type TargetKind string

const (
	TargetIP     TargetKind = "ip"
	TargetDomain TargetKind = "domain"
)

// Target is one concrete host. Value is the normalized form and the
// identity used for deduplication.
type Target struct {
	Value  string     `json:"value"`
	Kind   TargetKind `json:"kind"`
	Source string     `json:"source"`
}

func (t Target) String() string { return t.Value }

func (t Target) IsDomain() bool { return t.Kind == TargetDomain }

// RawFinding is one tool-native output record before parsing.
type RawFinding struct {
	Scanner   string    `json:"scanner"`
	Target    string    `json:"target"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
