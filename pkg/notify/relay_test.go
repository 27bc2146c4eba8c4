package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citizen-report-coordinator/pkg/breaker"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/realtime"
	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/security"
	"citizen-report-coordinator/pkg/store"
)

var at = time.Date(2024, 7, 10, 8, 0, 0, 0, time.UTC)

type fakePusher struct {
	mu   sync.Mutex
	msgs []realtime.Message
	err  error
}

func (p *fakePusher) Push(_ context.Context, msg realtime.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePusher) kinds(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		if m.UserID == userID {
			out = append(out, m.Kind)
		}
	}
	return out
}

type failingStore struct{ *MemoryStore }

func (failingStore) Create(context.Context, *Notification) (bool, error) {
	return false, errors.New("postgres: connection refused")
}

func seedReport(t *testing.T, reports store.Reports, r *report.Report) {
	t.Helper()
	r.CreatedAt, r.UpdatedAt = at, at
	if r.ReferenceNumber == "" {
		r.ReferenceNumber = report.FormatReference(2024, 1)
	}
	require.NoError(t, reports.Create(context.Background(), r))
}

func assignedEvent(t *testing.T, reportID, staffID string) events.Envelope {
	t.Helper()
	e, err := events.New(events.TypeReportAssigned, reportID, at, events.ReportAssigned{
		ReportID: reportID, DepartmentID: "dept", StaffID: staffID, Tier: 1, Deadline: at.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	return e
}

func TestNotificationID_StablePerEventAndUser(t *testing.T) {
	assert.Equal(t, NotificationID("e1", "u1"), NotificationID("e1", "u1"))
	assert.NotEqual(t, NotificationID("e1", "u1"), NotificationID("e1", "u2"))
	assert.NotEqual(t, NotificationID("e1", "u1"), NotificationID("e2", "u1"))
}

func TestRelay_AssignedNotifiesReporterAndStaff(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	seedReport(t, reports, &report.Report{ID: "r1", ReporterID: "citizen-1", Type: report.TypePublic, Status: report.StatusAssigned, StaffID: "pu-a-01"})
	notes := NewMemoryStore()
	pusher := &fakePusher{}
	relay := NewRelay(reports, notes, pusher, logger.Discard())

	assert.Equal(t, events.Ack, relay.Handle(ctx, assignedEvent(t, "r1", "pu-a-01")))

	for _, user := range []string{"citizen-1", "pu-a-01"} {
		list, err := notes.ListForUser(ctx, user, ListOptions{})
		require.NoError(t, err)
		require.Len(t, list, 1, user)
		assert.Equal(t, events.TypeReportAssigned, list[0].EventType)
		assert.Equal(t, "r1", list[0].ReportID)
		assert.Equal(t, []string{realtime.KindNotification, realtime.KindUnreadCount}, pusher.kinds(user))
	}
}

func TestRelay_RedeliveryDoesNotDuplicate(t *testing.T) {
	for _, withDedupe := range []bool{false, true} {
		name := "insert only"
		if withDedupe {
			name = "with deduper"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reports := store.NewMemoryReports()
			seedReport(t, reports, &report.Report{ID: "r1", ReporterID: "citizen-1", Type: report.TypePublic, Status: report.StatusAssigned})
			notes := NewMemoryStore()
			pusher := &fakePusher{}
			var opts []Option
			if withDedupe {
				opts = append(opts, WithDeduper(NewMemoryDeduper()))
			}
			relay := NewRelay(reports, notes, pusher, logger.Discard(), opts...)

			e := assignedEvent(t, "r1", "pu-a-01")
			for i := 0; i < 3; i++ {
				assert.Equal(t, events.Ack, relay.Handle(ctx, e))
			}
			n, err := notes.CountUnread(ctx, "citizen-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			assert.Len(t, pusher.kinds("citizen-1"), 2)
		})
	}
}

func TestRelay_AnonymousReporterIsDecrypted(t *testing.T) {
	ctx := context.Background()
	key, err := security.DeriveKey("relay-test")
	require.NoError(t, err)
	cipher, err := security.NewCipher(key)
	require.NoError(t, err)
	sealed, err := cipher.Encrypt("citizen-secret")
	require.NoError(t, err)

	reports := store.NewMemoryReports()
	seedReport(t, reports, &report.Report{ID: "r1", Type: report.TypeAnonymous, ReporterIDEnc: sealed, Status: report.StatusAssigned})
	notes := NewMemoryStore()
	relay := NewRelay(reports, notes, &fakePusher{}, logger.Discard(), WithDecrypter(cipher))

	assert.Equal(t, events.Ack, relay.Handle(ctx, assignedEvent(t, "r1", "")))
	n, err := notes.CountUnread(ctx, "citizen-secret")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRelay_PushFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	seedReport(t, reports, &report.Report{ID: "r1", ReporterID: "citizen-1", Type: report.TypePublic, Status: report.StatusAssigned})
	notes := NewMemoryStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	relay := NewRelay(reports, notes, &fakePusher{err: errors.New("gateway down")}, logger.Discard(), WithMetrics(metrics))

	assert.Equal(t, events.Ack, relay.Handle(ctx, assignedEvent(t, "r1", "")))
	n, err := notes.CountUnread(ctx, "citizen-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PushFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Persisted))
}

func TestRelay_GatewayOutageOpensBreaker(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	notes := NewMemoryStore()
	pusher := &countingPusher{err: errors.New("gateway down")}
	breakers := breaker.NewRegistry(breaker.Settings{FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenTrialRequests: 1})
	relay := NewRelay(reports, notes, pusher, logger.Discard(), WithBreakers(breakers))

	for i := 0; i < 8; i++ {
		id := report.NewID()
		seedReport(t, reports, &report.Report{ID: id, ReferenceNumber: report.FormatReference(2024, int64(i+1)), ReporterID: "citizen-1", Type: report.TypePublic, Status: report.StatusAssigned})
		assert.Equal(t, events.Ack, relay.Handle(ctx, assignedEvent(t, id, "")))
	}

	assert.Equal(t, breaker.StateOpen, breakers.Get(GatewayService).State())
	assert.Equal(t, 5, pusher.calls)
	n, err := notes.CountUnread(ctx, "citizen-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n, "every notification is stored even while pushes fail fast")
}

type countingPusher struct {
	calls int
	err   error
}

func (p *countingPusher) Push(context.Context, realtime.Message) error {
	p.calls++
	return p.err
}

func TestRelay_StatusChanged(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	seedReport(t, reports, &report.Report{ID: "r1", ReporterID: "citizen-1", Type: report.TypePublic, Status: report.StatusClosed, StaffID: "pu-a-01"})

	tests := []struct {
		name    string
		actor   string
		wantFor map[string]int64
	}{
		{"reporter closes own report", "citizen-1", map[string]int64{"citizen-1": 0, "pu-a-01": 1}},
		{"staff change reaches reporter", "pu-a-01", map[string]int64{"citizen-1": 1, "pu-a-01": 0}},
		{"system transitions are announced elsewhere", "system:dispatcher", map[string]int64{"citizen-1": 0, "pu-a-01": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notes := NewMemoryStore()
			relay := NewRelay(reports, notes, nil, logger.Discard())
			e, err := events.New(events.TypeReportStatusChanged, "r1", at, events.ReportStatusChanged{
				ReportID: "r1", OldStatus: report.StatusWaitingFeedback, NewStatus: report.StatusClosed, ActorID: tt.actor,
			})
			require.NoError(t, err)
			assert.Equal(t, events.Ack, relay.Handle(ctx, e))
			for user, want := range tt.wantFor {
				n, err := notes.CountUnread(ctx, user)
				require.NoError(t, err)
				assert.Equal(t, want, n, user)
			}
		})
	}
}

func TestRelay_Outcomes(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	seedReport(t, reports, &report.Report{ID: "r1", ReporterID: "citizen-1", Type: report.TypePublic, Status: report.StatusAssigned})

	relay := NewRelay(reports, NewMemoryStore(), nil, logger.Discard())
	assert.Equal(t, events.Ack, relay.Handle(ctx, assignedEvent(t, "ghost", "")), "unknown report is dropped")

	broken := NewRelay(reports, failingStore{NewMemoryStore()}, nil, logger.Discard())
	assert.Equal(t, events.Fail, broken.Handle(ctx, assignedEvent(t, "r1", "")), "store outage is retried")
}
