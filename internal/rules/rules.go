// Package rules decides whether a conformance case applies to the configured
// target and test type. Every case carries an explicit list of Rules; Evaluate
// folds them into exactly one Disposition.
package rules

import (
	"regexp"
	"slices"
	"strings"
	"testing"

	"s3probe/internal/config"
)

// Test types.
const (
	TypeCompatibility = "compatibility"
	TypeRegression    = "regression"
	TypeAcceptance    = "acceptance"
)

// Target identifiers as they appear in configuration.
const (
	TargetAWSS3  = "AWSS3"
	TargetFakeS3 = "FAKES3"
	TargetGouda  = "GOUDA"
	TargetBeatle = "BEATLE"
	TargetECS    = "ECS"
)

var validTargets = []string{TargetECS, TargetAWSS3, TargetFakeS3, TargetGouda, TargetBeatle}

// ValidTarget reports whether target is a known target identifier.
func ValidTarget(target string) bool {
	return slices.Contains(validTargets, target)
}

// Platform names accepted by NotSupported and KnownIssue. They are compared
// against the lower-cased configured targets.
const (
	PlatformAWSS3  = "awss3"
	PlatformFakeS3 = "fakes3"
	PlatformGouda  = "gouda"
	PlatformBeatle = "beatle"
	PlatformECS    = "ecs"
)

type Kind int

const (
	KindTriage Kind = iota
	KindNotSupported
	KindKnownIssue
	KindDisabled
)

func (k Kind) String() string {
	switch k {
	case KindTriage:
		return "triage"
	case KindNotSupported:
		return "not_supported"
	case KindKnownIssue:
		return "known_issue"
	case KindDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Rule is one piece of applicability metadata attached to a case.
type Rule struct {
	Kind      Kind
	Platforms []string
}

// Triage marks a case whose behaviour has only been verified against the
// reference targets.
func Triage() Rule {
	return Rule{Kind: KindTriage}
}

// NotSupported marks a case for a feature the listed platforms lack.
func NotSupported(platforms ...string) Rule {
	return Rule{Kind: KindNotSupported, Platforms: platforms}
}

// KnownIssue marks a case that fails on the listed platforms because of a
// tracked defect.
func KnownIssue(platforms ...string) Rule {
	return Rule{Kind: KindKnownIssue, Platforms: platforms}
}

// Disabled marks a case that only runs when explicitly requested.
func Disabled() Rule {
	return Rule{Kind: KindDisabled}
}

type Disposition int

const (
	Run Disposition = iota
	SkipUntriaged
	SkipUnsupported
	SkipKnownIssue
	SkipDisabled
)

func (d Disposition) String() string {
	switch d {
	case Run:
		return "run"
	case SkipUntriaged:
		return "skip_untriaged"
	case SkipUnsupported:
		return "skip_unsupported"
	case SkipKnownIssue:
		return "skip_known_issue"
	case SkipDisabled:
		return "skip_disabled"
	default:
		return "unknown"
	}
}

// Reason is the skip message reported for the disposition.
func (d Disposition) Reason() string {
	switch d {
	case SkipUntriaged:
		return "Not Yet Triaged"
	case SkipUnsupported:
		return "Not Supported"
	case SkipKnownIssue:
		return "Known Issue"
	case SkipDisabled:
		return "Disabled"
	default:
		return ""
	}
}

// Env is the slice of configuration the rules read.
type Env struct {
	TestType    string
	Targets     []string
	RunDisabled bool
	FailTriage  bool
	Tags        []Tag
}

var targetSeparator = regexp.MustCompile(`\s*,\s*`)

// ParseTargets splits a comma-separated target list, dropping whitespace
// around each comma. Case is preserved.
func ParseTargets(s string) []string {
	return targetSeparator.Split(s, -1)
}

// EnvFromConfig builds an Env from cfg.
func EnvFromConfig(cfg config.Config) Env {
	tags := make([]Tag, 0, len(cfg.Tags))
	for _, t := range cfg.Tags {
		tags = append(tags, Tag(strings.ToLower(t)))
	}
	return Env{
		TestType:    cfg.TestType,
		Targets:     ParseTargets(cfg.TestTarget),
		RunDisabled: cfg.RunDisabled,
		FailTriage:  cfg.FailTriage,
		Tags:        tags,
	}
}

func (e Env) restricted() bool {
	return e.TestType == TypeRegression || e.TestType == TypeAcceptance
}

// onPlatforms reports whether any lower-cased target is listed in platforms.
func (e Env) onPlatforms(platforms []string) bool {
	for _, target := range e.Targets {
		if slices.Contains(platforms, strings.ToLower(target)) {
			return true
		}
	}
	return false
}

// offReference reports whether any raw target is neither AWSS3 nor FAKES3.
func (e Env) offReference() bool {
	for _, target := range e.Targets {
		if target != TargetAWSS3 && target != TargetFakeS3 {
			return true
		}
	}
	return false
}

// Evaluate returns the disposition of a single rule.
func (r Rule) Evaluate(env Env) Disposition {
	switch r.Kind {
	case KindTriage:
		if env.restricted() && env.offReference() {
			return SkipUntriaged
		}
	case KindNotSupported:
		if env.restricted() && env.onPlatforms(r.Platforms) {
			return SkipUnsupported
		}
	case KindKnownIssue:
		if env.TestType == TypeRegression && env.onPlatforms(r.Platforms) {
			return SkipKnownIssue
		}
	case KindDisabled:
		if !env.RunDisabled {
			return SkipDisabled
		}
	}
	return Run
}

// Evaluate checks rules in order; the first one that skips decides.
func Evaluate(env Env, rules ...Rule) Disposition {
	for _, r := range rules {
		if d := r.Evaluate(env); d != Run {
			return d
		}
	}
	return Run
}

// HasTriage reports whether rules include a Triage rule.
func HasTriage(rules []Rule) bool {
	return slices.ContainsFunc(rules, func(r Rule) bool { return r.Kind == KindTriage })
}

// Gate skips t unless the rules let it run. In fail-triage mode only cases
// carrying a Triage rule are selected, and those fail immediately.
func Gate(t testing.TB, env Env, rules ...Rule) {
	t.Helper()

	if env.FailTriage {
		if HasTriage(rules) {
			t.Fatal("Failed due to fail-triage mode")
			return
		}
		t.Skip("Not selected in fail-triage mode")
		return
	}

	if d := Evaluate(env, rules...); d != Run {
		t.Skip(d.Reason())
	}
}
