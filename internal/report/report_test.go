package report

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguimaraes/bedm/internal/docstore"
	"github.com/aguimaraes/bedm/internal/engine"
	"github.com/aguimaraes/bedm/pkg/manifest"
)

const testKeyDigits = "35160751013233000402580010000000391000949083"

func newReporter(t *testing.T) (*Reporter, *docstore.Store, manifest.Key) {
	t.Helper()
	key, err := manifest.ParseKey(testKeyDigits)
	require.NoError(t, err)
	docs := docstore.NewStore(t.TempDir())
	r := NewReporter(docs)
	r.now = func() time.Time { return time.Date(2019, 7, 1, 12, 0, 0, 0, time.UTC) }
	return r, docs, key
}

func TestReportSubmitAppends(t *testing.T) {
	r, docs, key := newReporter(t)

	outcome := &engine.Outcome{
		Status:  engine.Success,
		Code:    "100",
		Message: "Autorizado o uso do MDF-e",
	}
	require.NoError(t, r.ReportSubmit(key, outcome, nil))
	require.NoError(t, r.ReportSubmit(key, &engine.Outcome{
		Status:  engine.Pending,
		Code:    "105",
		Message: "Lote em processamento",
	}, nil))

	data, err := os.ReadFile(docs.InboxPath(key) + ".output")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2019-07-01T12:00:00Z success [100] Autorizado o uso do MDF-e", lines[0])
	assert.Equal(t, "2019-07-01T12:00:00Z pending [105] Lote em processamento", lines[1])
}

func TestReportEventLogs(t *testing.T) {
	r, docs, key := newReporter(t)

	outcome := &engine.Outcome{Status: engine.Success, Code: "135", Message: "Evento registrado"}
	require.NoError(t, r.ReportCancel(key, outcome, nil))
	require.NoError(t, r.ReportFinish(key, outcome, nil))

	_, err := os.Stat(docs.InboxPath(key) + ".cancel.txt")
	require.NoError(t, err)
	_, err = os.Stat(docs.InboxPath(key) + ".finish.txt")
	require.NoError(t, err)
}

func TestReportError(t *testing.T) {
	r, docs, key := newReporter(t)

	require.NoError(t, r.ReportSubmit(key, nil, errors.New("sefaz: submit lot transport failure")))

	data, err := os.ReadFile(docs.InboxPath(key) + ".output")
	require.NoError(t, err)
	assert.Contains(t, string(data), "error: sefaz: submit lot transport failure")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(&engine.Outcome{Status: engine.Success}, nil))
	assert.Equal(t, ExitPending, ExitCode(&engine.Outcome{Status: engine.Pending}, nil))
	assert.Equal(t, ExitFailure, ExitCode(&engine.Outcome{Status: engine.Failure}, nil))
	assert.Equal(t, ExitFailure, ExitCode(nil, errors.New("boom")))
}
