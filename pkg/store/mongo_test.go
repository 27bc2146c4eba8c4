package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"citizen-report-coordinator/pkg/report"
)

// setupTestMongo connects to MONGO_URI (default localhost) and hands out a
// throwaway database.
func setupTestMongo(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		t.Skipf("MongoDB not available for testing: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("MongoDB not available for testing: %v", err)
	}

	db := client.Database(fmt.Sprintf("reports_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db
}

func TestMongoReports_ApplyTransition(t *testing.T) {
	db := setupTestMongo(t)
	ctx := context.Background()
	s := NewMongoReports(db)
	require.NoError(t, s.EnsureIndexes(ctx))

	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, &report.Report{ID: "r1", ReferenceNumber: "LP-2024-000001", Status: report.StatusPending, CreatedAt: now}))

	dept, staff, tier := "dept-pu", "pu-a-01", 1
	deadline := now.Add(72 * time.Hour)
	updated, err := s.ApplyTransition(ctx, Mutation{
		ReportID:     "r1",
		From:         report.StatusPending,
		To:           report.StatusAssigned,
		DepartmentID: &dept,
		StaffID:      &staff,
		Tier:         &tier,
		SLADeadline:  &deadline,
		Change:       report.StatusChange{ID: "c1", ReportID: "r1", OldStatus: report.StatusPending, NewStatus: report.StatusAssigned, CreatedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, report.StatusAssigned, updated.Status)
	assert.Equal(t, "pu-a-01", updated.StaffID)
	require.NotNil(t, updated.SLADeadline)
	assert.True(t, deadline.Equal(*updated.SLADeadline))
	require.Len(t, updated.History, 1)

	_, err = s.ApplyTransition(ctx, Mutation{ReportID: "r1", From: report.StatusPending, To: report.StatusRejected})
	require.ErrorIs(t, err, report.ErrConflict)

	_, err = s.ApplyTransition(ctx, Mutation{ReportID: "missing", From: report.StatusPending, To: report.StatusRejected})
	require.ErrorIs(t, err, report.ErrNotFound)

	resolved, err := s.ApplyTransition(ctx, Mutation{
		ReportID:      "r1",
		From:          report.StatusAssigned,
		To:            report.StatusResolved,
		ClearDeadline: true,
		Change:        report.StatusChange{ID: "c2", ReportID: "r1", OldStatus: report.StatusAssigned, NewStatus: report.StatusResolved, CreatedAt: now.Add(time.Hour)},
	})
	require.NoError(t, err)
	assert.Nil(t, resolved.SLADeadline)

	history, err := s.History(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c1", history[0].ID)
	assert.Equal(t, "c2", history[1].ID)
}

func TestMongoReports_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	db := setupTestMongo(t)
	ctx := context.Background()
	s := NewMongoReports(db)
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, &report.Report{ID: "r1", ReferenceNumber: "LP-2024-000001", Status: report.StatusPending, CreatedAt: now}))

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ApplyTransition(ctx, Mutation{
				ReportID: "r1",
				From:     report.StatusPending,
				To:       report.StatusReceived,
				Change:   report.StatusChange{ID: fmt.Sprintf("c%d", i), ReportID: "r1", OldStatus: report.StatusPending, NewStatus: report.StatusReceived, CreatedAt: now},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else if assert.ErrorIs(t, err, report.ErrConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, callers-1, conflicts)
	history, err := s.History(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMongoReports_NextReferenceIsUniquePerYear(t *testing.T) {
	db := setupTestMongo(t)
	ctx := context.Background()
	s := NewMongoReports(db)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	const callers = 20
	refs := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := s.NextReference(ctx, at)
			assert.NoError(t, err)
			refs <- ref
		}()
	}
	wg.Wait()
	close(refs)

	seen := map[string]bool{}
	for ref := range refs {
		assert.False(t, seen[ref], ref)
		seen[ref] = true
	}
	assert.Len(t, seen, callers)
	assert.True(t, seen[report.FormatReference(2024, callers)])

	next, err := s.NextReference(ctx, at.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, "LP-2025-000001", next)
}

func TestMongoWatches_ClaimHasOneWinner(t *testing.T) {
	db := setupTestMongo(t)
	ctx := context.Background()
	s := NewMongoWatches(db)
	require.NoError(t, s.EnsureIndexes(ctx))
	deadline := time.Date(2024, 5, 2, 9, 5, 0, 0, time.UTC)
	require.NoError(t, s.Register(ctx, report.EscalationWatch{ReportID: "r1", Level: 0, Tier: 1, Deadline: deadline}))

	due, err := s.Due(ctx, deadline, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := s.Claim(ctx, "r1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "level mismatch must not claim")

	const scanners = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(ctx, "r1", 0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)

	w, err := s.Active(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestMongoWatches_RegisterNeverLowersLevel(t *testing.T) {
	db := setupTestMongo(t)
	ctx := context.Background()
	s := NewMongoWatches(db)
	deadline := time.Date(2024, 5, 2, 9, 5, 0, 0, time.UTC)

	require.NoError(t, s.Register(ctx, report.EscalationWatch{ReportID: "r1", Level: 1, Tier: 2, Deadline: deadline}))
	require.NoError(t, s.Register(ctx, report.EscalationWatch{ReportID: "r1", Level: 0, Tier: 1, Deadline: deadline.Add(-time.Hour)}))

	w, err := s.Active(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, 1, w.Level)
	assert.True(t, deadline.Equal(w.Deadline))

	require.NoError(t, s.Register(ctx, report.EscalationWatch{ReportID: "r1", Level: 2, Tier: 2, Deadline: deadline.Add(time.Hour)}))
	w, err = s.Active(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, 2, w.Level)

	require.NoError(t, s.Cancel(ctx, "r1"))
	w, err = s.Active(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, w)
}
