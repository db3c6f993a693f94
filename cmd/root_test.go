package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/config"
	"github.com/JakeFAU/regwatch/internal/discovery"
	"github.com/JakeFAU/regwatch/internal/extract"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/scheduler"
	"github.com/JakeFAU/regwatch/internal/server"
)

type fakeApp struct {
	discoverErr error
	pending     int

	drained   bool
	closed    bool
	baseline  [2]string
	decisions []string
	imported  string
	sourceURL string
	extracted string
}

func (f *fakeApp) Run(context.Context) error { return nil }
func (f *fakeApp) Work(context.Context) error { return context.Canceled }

func (f *fakeApp) Discover(context.Context) (server.CycleReport, error) {
	if f.discoverErr != nil {
		return server.CycleReport{}, f.discoverErr
	}
	return server.CycleReport{
		CycleID:   "cycle-1",
		Discovery: discovery.CycleReport{CycleID: "cycle-1", Results: make([]discovery.Result, 3), Failed: 1},
		Scan:      scheduler.Report{Due: 4, Processed: 4, Changed: 2},
	}, nil
}

func (f *fakeApp) Drain(context.Context, time.Duration) error {
	f.drained = true
	return nil
}

func (f *fakeApp) PendingTasks() int { return f.pending }

func (f *fakeApp) ApproveBaseline(_ context.Context, id, approver string) error {
	f.baseline = [2]string{id, approver}
	return nil
}

func (f *fakeApp) ApproveRule(_ context.Context, id, reviewer, notes string) (model.RegulatoryRule, error) {
	f.decisions = append(f.decisions, "approve:"+id+":"+reviewer+":"+notes)
	return model.RegulatoryRule{ID: id, ConceptSlug: "vat-standard-rate", Status: model.RuleApproved, Active: true}, nil
}

func (f *fakeApp) RejectRule(_ context.Context, id, reviewer, notes string) (model.RegulatoryRule, error) {
	f.decisions = append(f.decisions, "reject:"+id+":"+reviewer+":"+notes)
	return model.RegulatoryRule{ID: id, Status: model.RuleRejected}, nil
}

func (f *fakeApp) ImportReferences(_ context.Context, in io.Reader, sourceURL string) (extract.ReferenceResult, error) {
	b, err := io.ReadAll(in)
	if err != nil {
		return extract.ReferenceResult{}, err
	}
	f.imported, f.sourceURL = string(b), sourceURL
	return extract.ReferenceResult{
		Tables:   []model.ReferenceTable{{ID: "tbl-1", Category: "bank", Jurisdiction: "HR"}},
		Upserted: 2,
	}, nil
}

func (f *fakeApp) ExtractReferences(_ context.Context, evidenceID string) (extract.ReferenceResult, error) {
	f.extracted = evidenceID
	return extract.ReferenceResult{Rejected: 1}, nil
}

func (f *fakeApp) Close(context.Context) { f.closed = true }

// execute runs the root command against app and returns its stdout.
func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, *config.Config, *zap.Logger) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDiscoverPrintsCycle(t *testing.T) {
	app := &fakeApp{}
	out, err := execute(t, app, "discover")
	require.NoError(t, err)
	assert.Contains(t, out, "cycle-1")
	assert.Regexp(t, `endpoints scanned\s+3`, out)
	assert.Regexp(t, `items changed\s+2`, out)
	assert.False(t, app.drained)
	assert.True(t, app.closed)
}

func TestDiscoverDrain(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "discover", "--drain")
	require.NoError(t, err)
	assert.True(t, app.drained)
}

func TestDiscoverError(t *testing.T) {
	app := &fakeApp{discoverErr: errors.New("store down")}
	_, err := execute(t, app, "discover")
	require.EqualError(t, err, "store down")
	assert.True(t, app.closed)
}

func TestWorkIgnoresCancellation(t *testing.T) {
	_, err := execute(t, &fakeApp{}, "work")
	require.NoError(t, err)
}

func TestApproveBaseline(t *testing.T) {
	app := &fakeApp{}
	out, err := execute(t, app, "approve-baseline", "ep-1", "--approver", "ana")
	require.NoError(t, err)
	assert.Equal(t, [2]string{"ep-1", "ana"}, app.baseline)
	assert.Contains(t, out, "approved by ana")

	_, err = execute(t, &fakeApp{}, "approve-baseline", "ep-1")
	require.Error(t, err)
}

func TestRuleDecisions(t *testing.T) {
	app := &fakeApp{}
	out, err := execute(t, app, "rule", "approve", "rule-1", "--reviewer", "ana", "--notes", "matches NN 1/2024")
	require.NoError(t, err)
	assert.Regexp(t, `status\s+APPROVED`, out)
	assert.Regexp(t, `active\s+true`, out)

	_, err = execute(t, app, "rule", "reject", "rule-2", "--reviewer", "ivo")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"approve:rule-1:ana:matches NN 1/2024",
		"reject:rule-2:ivo:",
	}, app.decisions)
}

func TestReferenceImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banks.csv")
	csv := "category,name,code,jurisdiction\nbank,Zagrebačka banka,2360000,HR\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o600))

	app := &fakeApp{}
	out, err := execute(t, app, "reference", "import", path, "--source-url", "https://www.hnb.hr/banke.csv")
	require.NoError(t, err)
	assert.Equal(t, csv, app.imported)
	assert.Equal(t, "https://www.hnb.hr/banke.csv", app.sourceURL)
	assert.Contains(t, out, "tbl-1")
	assert.Contains(t, out, "upserted 2, rejected 0")

	_, err = execute(t, &fakeApp{}, "reference", "import", filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
}

func TestReferenceExtract(t *testing.T) {
	app := &fakeApp{}
	out, err := execute(t, app, "reference", "extract", "ev-9")
	require.NoError(t, err)
	assert.Equal(t, "ev-9", app.extracted)
	assert.Contains(t, out, "rejected 1")
}

func TestFactoryError(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, *config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("postgres unreachable")
	}
	t.Cleanup(func() { newApp = prev })

	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "discover"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres unreachable")
}
