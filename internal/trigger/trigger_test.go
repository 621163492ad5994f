package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrigger_Evaluate(t *testing.T) {
	rules := Rules{
		Branches:    []string{"main"},
		PathsIgnore: DefaultIgnoreSuffixes,
	}

	t.Run("push touching only ignored paths does not start a run", func(t *testing.T) {
		ev := Event{
			Kind:         KindPush,
			Branch:       "main",
			ChangedPaths: []string{"README.md", "docs/notes.txt"},
		}

		assert.Equal(t, Ignore, Evaluate(rules, ev))
	})

	t.Run("push touching only README.md does not start a run", func(t *testing.T) {
		ev := Event{
			Kind:         KindPush,
			Branch:       "main",
			ChangedPaths: []string{"README.md"},
		}

		assert.Equal(t, Ignore, Evaluate(rules, ev))
	})

	t.Run("push touching source starts a run", func(t *testing.T) {
		ev := Event{
			Kind:         KindPush,
			Branch:       "main",
			ChangedPaths: []string{"src/lib.rs", "README.md"},
		}

		assert.Equal(t, Start, Evaluate(rules, ev))
	})

	t.Run("push with no changed paths starts a run", func(t *testing.T) {
		ev := Event{Kind: KindPush, Branch: "main"}

		assert.Equal(t, Start, Evaluate(rules, ev))
	})

	t.Run("manual dispatch always starts a run", func(t *testing.T) {
		ev := Event{
			Kind:         KindManual,
			Branch:       "feature/anything",
			ChangedPaths: []string{"README.md"},
		}

		assert.Equal(t, Start, Evaluate(rules, ev))
	})

	t.Run("scheduled trigger always starts a run", func(t *testing.T) {
		ev := Event{Kind: KindSchedule, Branch: "main"}

		assert.Equal(t, Start, Evaluate(rules, ev))
	})

	t.Run("push to a filtered-out branch does not start a run", func(t *testing.T) {
		ev := Event{
			Kind:         KindPush,
			Branch:       "develop",
			ChangedPaths: []string{"src/lib.rs"},
		}

		assert.Equal(t, Ignore, Evaluate(rules, ev))
	})

	t.Run("pull request is filtered like a push", func(t *testing.T) {
		ev := Event{
			Kind:         KindPullRequest,
			Branch:       "main",
			ChangedPaths: []string{"CHANGELOG.md"},
		}

		assert.Equal(t, Ignore, Evaluate(rules, ev))
	})

	t.Run("empty ignore list never filters by path", func(t *testing.T) {
		ev := Event{
			Kind:         KindPush,
			Branch:       "main",
			ChangedPaths: []string{"README.md"},
		}

		assert.Equal(t, Start, Evaluate(Rules{Branches: []string{"main"}}, ev))
	})
}

func TestTrigger_ParseRules(t *testing.T) {
	t.Run("comma separated columns are split and trimmed", func(t *testing.T) {
		rules := ParseRules("main, release", " .md , .txt ")

		assert.Equal(t, []string{"main", "release"}, rules.Branches)
		assert.Equal(t, []string{".md", ".txt"}, rules.PathsIgnore)
	})

	t.Run("empty columns produce empty rules", func(t *testing.T) {
		rules := ParseRules("", "")

		assert.Empty(t, rules.Branches)
		assert.Empty(t, rules.PathsIgnore)
	})
}
