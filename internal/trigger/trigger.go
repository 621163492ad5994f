package trigger

import (
	"slices"
	"strings"
)

type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
	KindManual      Kind = "manual"
	KindSchedule    Kind = "schedule"
)

// DefaultIgnoreSuffixes are the path suffixes a new pipeline ignores:
// changes confined to these files never start a run.
var DefaultIgnoreSuffixes = []string{".md", ".txt"}

// Event is one incoming source-control or dispatch notification.
type Event struct {
	Kind         Kind     `json:"kind"`
	Branch       string   `json:"branch"`
	Commit       string   `json:"commit"`
	ChangedPaths []string `json:"changed_paths"`
}

// Rules are a pipeline's trigger filters. An empty Branches slice matches
// any branch.
type Rules struct {
	Branches    []string
	PathsIgnore []string
}

type Decision int

const (
	Start Decision = iota
	Ignore
)

// Evaluate decides whether an event starts a run. Manual dispatch and
// scheduled triggers always start; push and pull-request events are dropped
// when the branch filter does not match, or when every changed path matches
// an ignored suffix.
func Evaluate(rules Rules, ev Event) Decision {
	if ev.Kind == KindManual || ev.Kind == KindSchedule {
		return Start
	}

	if len(rules.Branches) > 0 && !slices.Contains(rules.Branches, ev.Branch) {
		return Ignore
	}

	if len(ev.ChangedPaths) > 0 && allIgnored(rules.PathsIgnore, ev.ChangedPaths) {
		return Ignore
	}

	return Start
}

func allIgnored(suffixes, paths []string) bool {
	if len(suffixes) == 0 {
		return false
	}
	for _, p := range paths {
		ignored := false
		for _, s := range suffixes {
			if strings.HasSuffix(p, s) {
				ignored = true
				break
			}
		}
		if !ignored {
			return false
		}
	}
	return true
}

// ParseRules builds Rules from the comma-separated columns stored on a
// pipeline row.
func ParseRules(branches, pathsIgnore string) Rules {
	return Rules{
		Branches:    splitList(branches),
		PathsIgnore: splitList(pathsIgnore),
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
