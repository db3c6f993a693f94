package server

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/regwatch/internal/config"
	"github.com/JakeFAU/regwatch/internal/fingerprint"
	"github.com/JakeFAU/regwatch/internal/model"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	cfg.Discovery.Endpoints = []config.EndpointSeed{{
		ID:           "ep-porezna",
		URL:          "https://www.Porezna-Uprava.gov.hr/vijesti",
		Strategy:     "listing",
		ItemSelector: "div.news a",
		Disabled:     true,
	}}
	return &cfg
}

func TestBuildInMemory(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, memoryConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.Close(ctx)

	ep, err := app.store.GetEndpoint(ctx, "ep-porezna")
	require.NoError(t, err)
	assert.Equal(t, "www.porezna-uprava.gov.hr", ep.Domain)
	assert.Equal(t, model.StrategyListing, ep.Strategy)
	assert.False(t, ep.Enabled)

	ep.Options.MaxPages = 7
	require.NoError(t, app.store.UpdateEndpoint(ctx, ep))
	require.NoError(t, app.seedEndpoints(ctx))
	again, err := app.store.GetEndpoint(ctx, "ep-porezna")
	require.NoError(t, err)
	assert.Equal(t, 7, again.Options.MaxPages, "seeding must not overwrite existing endpoints")

	assert.Equal(t, 0, app.PendingTasks())
}

func TestDiscoverWithoutEnabledEndpoints(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, memoryConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.Close(ctx)

	report, err := app.Discover(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.CycleID)
	assert.Empty(t, report.Discovery.Results)
	assert.Zero(t, report.Scan.Processed)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, app.Drain(drainCtx, 10*time.Millisecond))
}

func TestApproveBaselineWithoutCapture(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, memoryConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.Close(ctx)

	err = app.ApproveBaseline(ctx, "ep-porezna", "ana")
	require.ErrorIs(t, err, fingerprint.ErrNoBaseline)

	err = app.ApproveBaseline(ctx, "ep-missing", "ana")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestImportReferencesAndReviewMissingRule(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, memoryConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.Close(ctx)

	csv := "category,name,code,jurisdiction\nbank,Zagrebačka banka,2360000,HR\nbank,Privredna banka Zagreb,2340009,HR\n"
	res, err := app.ImportReferences(ctx, strings.NewReader(csv), "https://www.hnb.hr/banke.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted)

	entries, err := app.store.ListReferenceEntries(ctx, "bank", "HR")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = app.ApproveRule(ctx, "rule-missing", "ana", "")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestBuildFailsOnBadOCRProvider(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.OCR.Provider = "tesseract"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ocr init failed")
}

func TestBuildFailsOnBadSeed(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Discovery.Endpoints = append(cfg.Discovery.Endpoints, config.EndpointSeed{
		ID: "ep-bad", URL: "https://gov.hr", Strategy: "carrier-pigeon",
	})

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed endpoint")
}
