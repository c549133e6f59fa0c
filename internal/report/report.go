// Package report persists per-invocation outcome logs next to the
// inbox document and maps engine outcomes to process exit codes.
//
// Components never terminate the process; the exit decision is made
// once, here, at the CLI boundary.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aguimaraes/bedm/internal/docstore"
	"github.com/aguimaraes/bedm/internal/engine"
	"github.com/aguimaraes/bedm/pkg/manifest"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
	ExitPending = 3
)

// Log file suffixes, appended to the inbox document path. The names
// are kept from the system this replaces so existing log tooling
// keeps working.
const (
	suffixSubmit = ".output"
	suffixCancel = ".cancel.txt"
	suffixFinish = ".finish.txt"
)

// Reporter appends one plain-text line per invocation to the
// operation's log file.
type Reporter struct {
	docs *docstore.Store
	now  func() time.Time
}

// NewReporter creates a reporter writing next to the docstore inbox.
func NewReporter(docs *docstore.Store) *Reporter {
	return &Reporter{docs: docs, now: time.Now}
}

// ReportSubmit logs a submit invocation's result.
func (r *Reporter) ReportSubmit(key manifest.Key, outcome *engine.Outcome, err error) error {
	return r.append(key, suffixSubmit, outcome, err)
}

// ReportCancel logs a cancel invocation's result.
func (r *Reporter) ReportCancel(key manifest.Key, outcome *engine.Outcome, err error) error {
	return r.append(key, suffixCancel, outcome, err)
}

// ReportFinish logs a finish invocation's result.
func (r *Reporter) ReportFinish(key manifest.Key, outcome *engine.Outcome, err error) error {
	return r.append(key, suffixFinish, outcome, err)
}

func (r *Reporter) append(key manifest.Key, suffix string, outcome *engine.Outcome, err error) error {
	line := r.formatLine(outcome, err)
	path := r.docs.InboxPath(key) + suffix
	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return fmt.Errorf("creating log directory: %w", mkErr)
	}

	f, openErr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if openErr != nil {
		return fmt.Errorf("opening outcome log: %w", openErr)
	}
	defer f.Close()

	if _, writeErr := f.WriteString(line); writeErr != nil {
		return fmt.Errorf("appending outcome log: %w", writeErr)
	}
	return nil
}

func (r *Reporter) formatLine(outcome *engine.Outcome, err error) string {
	stamp := r.now().UTC().Format(time.RFC3339)
	if err != nil {
		return fmt.Sprintf("%s error: %v\n", stamp, err)
	}
	return fmt.Sprintf("%s %s [%s] %s\n", stamp, outcome.Status, outcome.Code, outcome.Message)
}

// ExitCode maps an invocation result to the process exit code:
// 0 success, 3 pending-retry, 1 hard failure. Usage errors map to 2
// before any engine invocation happens.
func ExitCode(outcome *engine.Outcome, err error) int {
	if err != nil {
		return ExitFailure
	}
	switch outcome.Status {
	case engine.Success:
		return ExitSuccess
	case engine.Pending:
		return ExitPending
	default:
		return ExitFailure
	}
}
