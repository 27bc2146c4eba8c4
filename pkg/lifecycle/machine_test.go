package lifecycle

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/store"
)

var testNow = time.Date(2024, 7, 10, 9, 30, 0, 0, time.UTC)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type recordingPublisher struct {
	events []events.Envelope
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

// racingStore flips the stored status between the machine's read and write.
type racingStore struct {
	*store.MemoryReports
	sneak report.Status
}

func (s *racingStore) ApplyTransition(ctx context.Context, m store.Mutation) (*report.Report, error) {
	if s.sneak != "" {
		_, err := s.MemoryReports.ApplyTransition(ctx, store.Mutation{ReportID: m.ReportID, From: m.From, To: s.sneak})
		if err != nil {
			return nil, err
		}
		s.sneak = ""
	}
	return s.MemoryReports.ApplyTransition(ctx, m)
}

func seed(t *testing.T, s store.Reports, id string, status report.Status) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &report.Report{
		ID:              id,
		ReferenceNumber: "LP-2024-" + id,
		Status:          status,
		CreatedAt:       testNow,
	}))
}

func newMachine(reports store.Reports, watches WatchKeeper, pub events.Publisher) *Machine {
	return NewMachine(reports, watches, pub, quietLogger(), WithClock(func() time.Time { return testNow }))
}

func TestMachine_EveryPairAgainstTable(t *testing.T) {
	ctx := context.Background()
	for _, from := range report.AllStatuses {
		for _, to := range report.AllStatuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				reports := store.NewMemoryReports()
				pub := &recordingPublisher{}
				m := newMachine(reports, store.NewMemoryWatches(), pub)
				seed(t, reports, "r1", from)

				req := Request{ReportID: "r1", From: from, To: to, ActorID: "staff-1"}
				var err error
				switch to {
				case report.StatusEscalated:
					_, err = m.Escalate(ctx, req, Escalation{Level: 1, Tier: 2, Deadline: testNow.Add(time.Hour)})
				case report.StatusAssigned:
					_, err = m.Assign(ctx, req, Assignment{DepartmentID: "dept", Tier: 1, Deadline: testNow.Add(time.Hour)})
				default:
					_, err = m.Apply(ctx, req)
				}

				stored, gerr := reports.Get(ctx, "r1")
				require.NoError(t, gerr)

				if !Allowed(from, to) {
					require.ErrorIs(t, err, report.ErrInvalidTransition)
					assert.Equal(t, from, stored.Status)
					assert.Empty(t, stored.History)
					assert.Empty(t, pub.events)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, to, stored.Status)
				require.Len(t, stored.History, 1)
				assert.Equal(t, from, stored.History[0].OldStatus)
				assert.Equal(t, to, stored.History[0].NewStatus)
				require.Len(t, pub.events, 1)
				assert.Equal(t, events.TypeReportStatusChanged, pub.events[0].Type)
			})
		}
	}
}

func TestMachine_TerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range report.AllStatuses {
		if s.Terminal() {
			assert.Empty(t, Targets(s), s)
		} else {
			assert.NotEmpty(t, Targets(s), s)
		}
	}
}

func TestMachine_StaleReadIsRejected(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	pub := &recordingPublisher{}
	m := newMachine(reports, nil, pub)
	seed(t, reports, "r1", report.StatusInProgress)

	_, err := m.Apply(ctx, Request{ReportID: "r1", From: report.StatusAssigned, To: report.StatusResolved})
	require.ErrorIs(t, err, report.ErrInvalidTransition)
	assert.True(t, IsRejection(err))

	stored, _ := reports.Get(ctx, "r1")
	assert.Equal(t, report.StatusInProgress, stored.Status)
	assert.Empty(t, pub.events)
}

func TestMachine_LostRaceSurfacesConflict(t *testing.T) {
	ctx := context.Background()
	reports := &racingStore{MemoryReports: store.NewMemoryReports(), sneak: report.StatusWaitingFeedback}
	pub := &recordingPublisher{}
	m := newMachine(reports, nil, pub)
	seed(t, reports, "r1", report.StatusInProgress)

	_, err := m.Apply(ctx, Request{ReportID: "r1", From: report.StatusInProgress, To: report.StatusResolved})
	require.ErrorIs(t, err, report.ErrConflict)
	assert.True(t, report.IsTransient(err))
	assert.Empty(t, pub.events, "no event for a transition that did not persist")

	stored, _ := reports.Get(ctx, "r1")
	assert.Equal(t, report.StatusWaitingFeedback, stored.Status)
}

func TestMachine_UnknownReport(t *testing.T) {
	m := newMachine(store.NewMemoryReports(), nil, nil)
	_, err := m.Apply(context.Background(), Request{ReportID: "nope", From: report.StatusPending, To: report.StatusReceived})
	require.ErrorIs(t, err, report.ErrNotFound)
}

func TestMachine_TerminalTransitionCancelsWatch(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	watches := store.NewMemoryWatches()
	m := newMachine(reports, watches, nil)
	seed(t, reports, "r1", report.StatusInProgress)
	require.NoError(t, watches.Register(ctx, report.EscalationWatch{ReportID: "r1", Tier: 1, Deadline: testNow.Add(time.Hour)}))

	updated, err := m.Apply(ctx, Request{ReportID: "r1", From: report.StatusInProgress, To: report.StatusResolved, ActorID: "staff-1"})
	require.NoError(t, err)
	assert.Nil(t, updated.SLADeadline)

	w, err := watches.Active(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestMachine_PublishFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	m := newMachine(reports, nil, &recordingPublisher{err: errors.New("broker down")})
	seed(t, reports, "r1", report.StatusAssigned)

	updated, err := m.Apply(ctx, Request{ReportID: "r1", From: report.StatusAssigned, To: report.StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, report.StatusInProgress, updated.Status)
}

func TestMachine_EscalationRules(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	m := newMachine(reports, nil, nil)
	seed(t, reports, "r1", report.StatusAssigned)

	t.Run("apply cannot escalate", func(t *testing.T) {
		_, err := m.Apply(ctx, Request{ReportID: "r1", From: report.StatusAssigned, To: report.StatusEscalated})
		require.ErrorIs(t, err, report.ErrInvalidTransition)
	})

	t.Run("level must increase", func(t *testing.T) {
		_, err := m.Escalate(ctx, Request{ReportID: "r1", From: report.StatusAssigned, To: report.StatusEscalated},
			Escalation{Level: 0, Tier: 2})
		require.ErrorIs(t, err, report.ErrInvalidTransition)
	})

	t.Run("escalation records level and owner", func(t *testing.T) {
		deadline := testNow.Add(10 * time.Minute)
		updated, err := m.Escalate(ctx, Request{ReportID: "r1", From: report.StatusAssigned, To: report.StatusEscalated, ActorID: "system"},
			Escalation{Level: 1, Tier: 2, StaffID: "head-1", Deadline: deadline})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.EscalationLevel)
		assert.Equal(t, 2, updated.Tier)
		assert.Equal(t, "head-1", updated.StaffID)
		assert.Equal(t, deadline, *updated.SLADeadline)
		require.NotNil(t, updated.EscalatedAt)
	})
}

// flakyWatches fails its first n writes.
type flakyWatches struct {
	*store.MemoryWatches
	failures int
	calls    int
}

func (w *flakyWatches) Register(ctx context.Context, ew report.EscalationWatch) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("mongo: connection reset")
	}
	return w.MemoryWatches.Register(ctx, ew)
}

func (w *flakyWatches) Cancel(ctx context.Context, reportID string) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("mongo: connection reset")
	}
	return w.MemoryWatches.Cancel(ctx, reportID)
}

func TestMachine_ApplyCannotEnterAssigned(t *testing.T) {
	ctx := context.Background()
	for _, from := range []report.Status{report.StatusPending, report.StatusReceived, report.StatusInReview} {
		from := from
		t.Run(string(from), func(t *testing.T) {
			reports := store.NewMemoryReports()
			watches := store.NewMemoryWatches()
			pub := &recordingPublisher{}
			m := newMachine(reports, watches, pub)
			seed(t, reports, "r1", from)

			_, err := m.Apply(ctx, Request{ReportID: "r1", From: from, To: report.StatusAssigned, ActorID: "sup-1"})
			require.ErrorIs(t, err, report.ErrInvalidTransition)

			stored, err := reports.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, from, stored.Status)
			assert.Empty(t, stored.History)
			assert.Empty(t, pub.events)
			w, err := watches.Active(ctx, "r1")
			require.NoError(t, err)
			assert.Nil(t, w)
		})
	}
}

func TestMachine_AssignRegistersWatch(t *testing.T) {
	ctx := context.Background()
	for _, from := range []report.Status{report.StatusPending, report.StatusReceived, report.StatusInReview} {
		from := from
		t.Run(string(from), func(t *testing.T) {
			reports := store.NewMemoryReports()
			watches := store.NewMemoryWatches()
			m := newMachine(reports, watches, nil)
			seed(t, reports, "r1", from)

			deadline := testNow.Add(72 * time.Hour)
			updated, err := m.Assign(ctx, Request{ReportID: "r1", From: from, To: report.StatusAssigned, ActorID: "sup-1"},
				Assignment{DepartmentID: "dept-pu", StaffID: "pu-01", Tier: 1, Deadline: deadline})
			require.NoError(t, err)
			assert.Equal(t, report.StatusAssigned, updated.Status)

			w, err := watches.Active(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, w)
			assert.Equal(t, 0, w.Level)
			assert.Equal(t, 1, w.Tier)
			assert.Equal(t, deadline, w.Deadline)
		})
	}
}

func TestMachine_AssignNeedsDepartmentAndDeadline(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	watches := store.NewMemoryWatches()
	m := newMachine(reports, watches, nil)
	seed(t, reports, "r1", report.StatusInReview)
	req := Request{ReportID: "r1", From: report.StatusInReview, To: report.StatusAssigned}

	_, err := m.Assign(ctx, req, Assignment{Tier: 1, Deadline: testNow.Add(time.Hour)})
	require.ErrorIs(t, err, report.ErrInvalidTransition)
	_, err = m.Assign(ctx, req, Assignment{DepartmentID: "dept-pu", Tier: 1})
	require.ErrorIs(t, err, report.ErrInvalidTransition)

	stored, err := reports.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, report.StatusInReview, stored.Status)
	w, err := watches.Active(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestMachine_ReassignAfterEscalationKeepsWatch(t *testing.T) {
	ctx := context.Background()
	reports := store.NewMemoryReports()
	watches := store.NewMemoryWatches()
	m := newMachine(reports, watches, nil)
	seed(t, reports, "r1", report.StatusInReview)

	_, err := m.Assign(ctx, Request{ReportID: "r1", From: report.StatusInReview, To: report.StatusAssigned},
		Assignment{DepartmentID: "dept-pu", Tier: 1, Deadline: testNow.Add(time.Hour)})
	require.NoError(t, err)
	escalatedDeadline := testNow.Add(2 * time.Hour)
	_, err = m.Escalate(ctx, Request{ReportID: "r1", From: report.StatusAssigned, To: report.StatusEscalated, ActorID: "system"},
		Escalation{Level: 1, Tier: 2, StaffID: "pu-sup", Deadline: escalatedDeadline})
	require.NoError(t, err)
	require.NoError(t, watches.Register(ctx, report.EscalationWatch{ReportID: "r1", Level: 1, Tier: 2, Deadline: escalatedDeadline}))

	updated, err := m.Apply(ctx, Request{ReportID: "r1", From: report.StatusEscalated, To: report.StatusAssigned, ActorID: "pu-sup"})
	require.NoError(t, err)
	assert.Equal(t, report.StatusAssigned, updated.Status)

	w, err := watches.Active(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, 1, w.Level)
	assert.Equal(t, escalatedDeadline, w.Deadline)
}

func TestMachine_WatchWritesAreRetried(t *testing.T) {
	ctx := context.Background()

	t.Run("register", func(t *testing.T) {
		reports := store.NewMemoryReports()
		watches := &flakyWatches{MemoryWatches: store.NewMemoryWatches(), failures: 2}
		m := newMachine(reports, watches, nil)
		seed(t, reports, "r1", report.StatusInReview)

		_, err := m.Assign(ctx, Request{ReportID: "r1", From: report.StatusInReview, To: report.StatusAssigned},
			Assignment{DepartmentID: "dept-pu", Tier: 1, Deadline: testNow.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, 3, watches.calls)
		w, err := watches.Active(ctx, "r1")
		require.NoError(t, err)
		assert.NotNil(t, w)
	})

	t.Run("cancel", func(t *testing.T) {
		reports := store.NewMemoryReports()
		watches := &flakyWatches{MemoryWatches: store.NewMemoryWatches(), failures: 2}
		require.NoError(t, watches.MemoryWatches.Register(ctx, report.EscalationWatch{ReportID: "r1", Tier: 1, Deadline: testNow}))
		m := newMachine(reports, watches, nil)
		seed(t, reports, "r1", report.StatusInProgress)

		_, err := m.Apply(ctx, Request{ReportID: "r1", From: report.StatusInProgress, To: report.StatusResolved})
		require.NoError(t, err)
		w, err := watches.Active(ctx, "r1")
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("gives up and keeps the transition", func(t *testing.T) {
		reports := store.NewMemoryReports()
		watches := &flakyWatches{MemoryWatches: store.NewMemoryWatches(), failures: 10}
		m := newMachine(reports, watches, nil)
		seed(t, reports, "r1", report.StatusInReview)

		updated, err := m.Assign(ctx, Request{ReportID: "r1", From: report.StatusInReview, To: report.StatusAssigned},
			Assignment{DepartmentID: "dept-pu", Tier: 1, Deadline: testNow.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, report.StatusAssigned, updated.Status)
		assert.Equal(t, watchWriteAttempts, watches.calls)
	})
}
