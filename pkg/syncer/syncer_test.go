package syncer_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ladybirdbrowser/wptsync/pkg/config"
	"github.com/ladybirdbrowser/wptsync/pkg/ingest"
	"github.com/ladybirdbrowser/wptsync/pkg/search"
	"github.com/ladybirdbrowser/wptsync/pkg/store"
	"github.com/ladybirdbrowser/wptsync/pkg/syncer"
	"github.com/ladybirdbrowser/wptsync/pkg/wpt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow    = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	testCutoff = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// fakeRemote serves a fixed set of runs per product.
type fakeRemote struct {
	runs      map[string][]wpt.RunSummary
	byID      map[int64]wpt.RunSummary
	listCalls atomic.Int32
	failAfter int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		runs: make(map[string][]wpt.RunSummary),
		byID: make(map[int64]wpt.RunSummary),
	}
}

func (f *fakeRemote) addRun(product string, id int64, start time.Time) {
	run := wpt.RunSummary{
		ID:          id,
		BrowserName: product,
		CreatedAt:   wpt.FormatTimestamp(start.Add(3 * time.Hour)),
		TimeStart:   wpt.FormatTimestamp(start),
		TimeEnd:     wpt.FormatTimestamp(start.Add(2 * time.Hour)),
		Labels:      []string{"master"},
	}
	run.Raw = []byte(fmt.Sprintf(`{"id":%d}`, id))

	f.runs[product] = append(f.runs[product], run)
	f.byID[id] = run
}

func (f *fakeRemote) GetResultsForRuns(
	_ context.Context, runIDs []int64,
) (*wpt.SearchResults, error) {
	run, ok := f.byID[runIDs[0]]
	if !ok {
		return &wpt.SearchResults{}, nil
	}

	return &wpt.SearchResults{
		Runs: []wpt.RunSummary{run},
		Results: []wpt.SubtestResult{
			{Test: "/css/a.html", LegacyStatus: []wpt.LegacyStatus{{Total: 2, Passes: 1, Status: "F"}}},
			{Test: "/dom/b.html", LegacyStatus: []wpt.LegacyStatus{{Total: 0, Passes: 0, Status: "P"}}},
		},
	}, nil
}

func (f *fakeRemote) GetRunsInTimeRange(
	_ context.Context, q wpt.RunsQuery,
) ([]wpt.RunSummary, error) {
	calls := f.listCalls.Add(1)

	if f.failAfter > 0 && calls > f.failAfter {
		return nil, errors.New("remote unavailable")
	}

	var out []wpt.RunSummary

	for _, product := range q.Products {
		for _, run := range f.runs[product] {
			start, _ := wpt.ParseTimestamp(run.TimeStart)
			if start.Before(q.From) || start.After(q.To) {
				continue
			}

			out = append(out, run)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TimeStart > out[j].TimeStart })

	if len(out) > q.MaxCount {
		out = out[:q.MaxCount]
	}

	return out, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setup(t *testing.T, remote *fakeRemote) (*syncer.Syncer, store.Store) {
	t.Helper()

	log := testLogger()

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	searcher := search.NewSearcher(log, remote, search.Options{
		Labels:     []string{"master", "experimental"},
		MaxResults: 50,
		Cutoff:     testCutoff,
		Lookback:   search.DefaultLookback,
		Now:        func() time.Time { return testNow },
	})

	s := syncer.NewSyncer(log, st, searcher, ingest.NewIngester(log, remote, st), syncer.Options{
		Interval: time.Hour,
	})

	return s, st
}

func TestRunCycle_MirrorsAllRuns(t *testing.T) {
	remote := newFakeRemote()

	// One run every three hours over the last twenty days.
	for i := 0; i < 160; i++ {
		remote.addRun("ladybird", int64(1000+i), testNow.Add(-time.Hour-time.Duration(i)*3*time.Hour))
	}

	s, st := setup(t, remote)
	ctx := context.Background()

	ladybird, err := st.CreateProduct(ctx, "ladybird")
	require.NoError(t, err)

	_, err = st.CreateProduct(ctx, "servo")
	require.NoError(t, err)

	require.NoError(t, s.RunCycle(ctx))

	runs, err := st.ListRuns(ctx, ladybird.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 160)

	categories, err := st.ListRunCategories(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, categories, 2)
	assert.Equal(t, "css", categories[0].Category)
	assert.Equal(t, int64(1), categories[0].SubtestPasses)
	assert.Equal(t, "dom", categories[1].Category)
	assert.Equal(t, int64(1), categories[1].SubtestPasses)

	// The mirror is current, so the next pass stores nothing.
	stored, err := s.SyncProduct(ctx, *ladybird)
	require.NoError(t, err)
	assert.Zero(t, stored)
}

func TestSyncProduct_QuiescentWithoutNewRuns(t *testing.T) {
	remote := newFakeRemote()
	s, st := setup(t, remote)
	ctx := context.Background()

	product, err := st.CreateProduct(ctx, "ladybird")
	require.NoError(t, err)

	stored, err := s.SyncProduct(ctx, *product)
	require.NoError(t, err)
	assert.Zero(t, stored)
	assert.Equal(t, int32(1), remote.listCalls.Load(), "only the default window is searched")
}

func TestSyncProduct_ExtendsSyncedInterval(t *testing.T) {
	remote := newFakeRemote()
	remote.addRun("ladybird", 1, testNow.Add(-24*time.Hour))

	s, st := setup(t, remote)
	ctx := context.Background()

	product, err := st.CreateProduct(ctx, "ladybird")
	require.NoError(t, err)

	stored, err := s.SyncProduct(ctx, *product)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	// A newer run shows up after the synced interval.
	remote.addRun("ladybird", 2, testNow.Add(-time.Hour))

	stored, err = s.SyncProduct(ctx, *product)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
}

func TestSyncProduct_ExistingRunsDoNotCount(t *testing.T) {
	remote := newFakeRemote()
	start := testNow.Add(-24 * time.Hour)
	remote.addRun("ladybird", 1, start)

	s, st := setup(t, remote)
	ctx := context.Background()

	product, err := st.CreateProduct(ctx, "ladybird")
	require.NoError(t, err)

	// The run is already mirrored, filed under another product.
	require.NoError(t, st.CreateRunWithCategories(ctx, &store.Run{
		RunID:          1,
		ProductID:      product.ID + 100,
		CreatedAt:      start,
		TimeStart:      start,
		TimeEnd:        start,
		RawRunMetadata: "{}",
	}, nil))

	stored, err := s.SyncProduct(ctx, *product)
	require.NoError(t, err)
	assert.Zero(t, stored)
}

func TestRunCycle_PropagatesFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.failAfter = 1
	remote.addRun("ladybird", 1, testNow.Add(-24*time.Hour))

	s, st := setup(t, remote)
	ctx := context.Background()

	_, err := st.CreateProduct(ctx, "ladybird")
	require.NoError(t, err)

	err = s.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote unavailable")
}

func TestRun_StopsOnCancel(t *testing.T) {
	remote := newFakeRemote()
	s, st := setup(t, remote)

	_, err := st.CreateProduct(context.Background(), "ladybird")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	// Let the first cycle finish and the syncer go idle.
	require.Eventually(t, func() bool {
		return remote.listCalls.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("syncer did not stop after cancellation")
	}
}
