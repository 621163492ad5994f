package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const rustLibraryWorkflow = `
name: rust-library
jobs:
  style:
    steps:
      - name: format check
        run: cargo fmt --all -- --check
      - name: toml lint
        run: taplo check
  check:
    steps:
      - name: lint
        run: cargo clippy --all-targets -- -D warnings
      - name: audit
        run: cargo audit
  build:
    needs: [style, check]
    steps:
      - name: build
        run: cargo build --release
  test:
    needs: [build]
    runs_on: [ubuntu, macos, windows]
    timeout_minutes: 10
    steps:
      - name: test
        run: cargo nextest run --release
    coverage:
      environment: ubuntu
      report: lcov.info
      fail_ci_if_error: true
      steps:
        - name: coverage
          run: cargo llvm-cov --lcov --output-path lcov.info
`

func TestWorkflow_Parse(t *testing.T) {
	t.Run("full workflow parses and validates", func(t *testing.T) {
		wf, err := Parse([]byte(rustLibraryWorkflow))

		assert.NoError(t, err)
		assert.Len(t, wf.Jobs, 4)
		assert.ElementsMatch(t, []string{"style", "check"}, wf.Jobs["build"].Needs)
		assert.Equal(t, []string{"ubuntu", "macos", "windows"}, wf.Jobs["test"].RunsOn)
		assert.Equal(t, int64(10), wf.Jobs["test"].TimeoutMinutes)
		assert.Equal(t, "ubuntu", wf.Jobs["test"].Coverage.Environment)
		assert.Equal(t, "lcov.info", wf.Jobs["test"].Coverage.Report)
		assert.True(t, *wf.Jobs["test"].Coverage.FailCIIfError)
	})

	t.Run("unknown needs target is rejected", func(t *testing.T) {
		_, err := Parse([]byte(`
jobs:
  build:
    needs: [nonexistent]
    steps:
      - run: make
`))

		assert.ErrorContains(t, err, "unknown job")
	})

	t.Run("job needing itself is rejected", func(t *testing.T) {
		_, err := Parse([]byte(`
jobs:
  build:
    needs: [build]
    steps:
      - run: make
`))

		assert.ErrorContains(t, err, "needs itself")
	})

	t.Run("job without steps is rejected", func(t *testing.T) {
		_, err := Parse([]byte(`
jobs:
  build: {}
`))

		assert.ErrorContains(t, err, "no steps")
	})

	t.Run("coverage environment must be in runs_on", func(t *testing.T) {
		_, err := Parse([]byte(`
jobs:
  test:
    runs_on: [macos, windows]
    steps:
      - run: cargo nextest run
    coverage:
      environment: ubuntu
      report: lcov.info
      steps:
        - run: cargo llvm-cov
`))

		assert.ErrorContains(t, err, "not in runs_on")
	})

	t.Run("coverage without report path is rejected", func(t *testing.T) {
		_, err := Parse([]byte(`
jobs:
  test:
    runs_on: [ubuntu]
    steps:
      - run: cargo nextest run
    coverage:
      environment: ubuntu
      steps:
        - run: cargo llvm-cov
`))

		assert.ErrorContains(t, err, "no report path")
	})
}
