package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"citizen-report-coordinator/pkg/dispatch"
	"citizen-report-coordinator/pkg/escalation"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/logger"
	"citizen-report-coordinator/pkg/notify"
	"citizen-report-coordinator/pkg/realtime"
	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/routing"
	"citizen-report-coordinator/pkg/security"
	"citizen-report-coordinator/pkg/store"
)

type demoOptions struct {
	Category  string
	Location  string
	Reporter  string
	Anonymous bool
	// Speedup > 0 waits in real time, compressed by this factor, instead of
	// jumping the clock.
	Speedup  float64
	LogLevel string
}

type demoResult struct {
	Report        *report.Report
	Scans         []escalation.Summary
	Notifications []notify.Notification
	Pushed        int
}

func demoCmd() *cobra.Command {
	opts := demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the report lifecycle end to end in-process on the demo SLA profile",
		Long: `demo files one report, lets the dispatcher route and assign it, then lets
the SLA windows of the demo profile (5m tier 1, 10m tier 2) run out so the
scheduler escalates it to the tier-2 supervisor and then to the department
head. Everything runs in memory; no broker or database is needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := runDemo(cmd.Context(), cmd.OutOrStdout(), opts)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Category, "category", "Jalan Rusak", "report category")
	cmd.Flags().StringVar(&opts.Location, "location", "zone-A", "location hint used for routing")
	cmd.Flags().StringVar(&opts.Reporter, "reporter", "citizen-1", "reporter user id")
	cmd.Flags().BoolVar(&opts.Anonymous, "anonymous", false, "file the report anonymously")
	cmd.Flags().Float64Var(&opts.Speedup, "speedup", 0, "wait in real time compressed by this factor (0 jumps the clock)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "error", "log level of the in-process services")
	return cmd
}

// demoClock is simulated time. Without speedup Advance jumps instantly; with
// speedup the clock follows the wall clock multiplied by the factor.
type demoClock struct {
	mu      sync.Mutex
	base    time.Time
	offset  time.Duration
	started time.Time
	speedup float64
}

func newDemoClock(base time.Time, speedup float64) *demoClock {
	return &demoClock{base: base, started: time.Now(), speedup: speedup}
}

func (c *demoClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.base.Add(c.offset)
	if c.speedup > 0 {
		now = now.Add(time.Duration(float64(time.Since(c.started)) * c.speedup))
	}
	return now
}

func (c *demoClock) Advance(ctx context.Context, d time.Duration) error {
	if c.speedup <= 0 {
		c.mu.Lock()
		c.offset += d
		c.mu.Unlock()
		return nil
	}
	t := time.NewTimer(time.Duration(float64(d) / c.speedup))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func runDemo(ctx context.Context, out io.Writer, opts demoOptions) (*demoResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.NewWithOutput("laporctl-demo", io.Discard, "error")
	if opts.LogLevel != "" && opts.LogLevel != "error" {
		log = logger.NewWithOutput("laporctl-demo", out, opts.LogLevel)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	cipher, err := security.NewCipher(key)
	if err != nil {
		return nil, err
	}

	clock := newDemoClock(time.Now().UTC().Truncate(time.Second), opts.Speedup)
	policy := escalation.DemoPolicy()
	reports := store.NewMemoryReports()
	watches := store.NewMemoryWatches()
	bus := events.NewMemoryBus()
	dir := routing.NewSeededMemoryDirectory()
	hub := realtime.NewHub()
	live := hub.Register(opts.Reporter, 64)
	defer hub.Unregister(live)
	notes := notify.NewMemoryStore()

	machine := lifecycle.NewMachine(reports, watches, bus, log, lifecycle.WithClock(clock.Now))
	dispatcher := dispatch.New(reports, routing.NewEngine(dir), dir, machine, bus, policy, log, dispatch.WithClock(clock.Now))
	scheduler := escalation.NewScheduler(reports, watches, machine, dir, bus, policy, escalation.DefaultConfig(), log,
		escalation.WithClock(clock.Now))
	relay := notify.NewRelay(reports, notes, hub, log,
		notify.WithDeduper(notify.NewMemoryDeduper()),
		notify.WithDecrypter(cipher),
		notify.WithClock(clock.Now),
	)

	bus.Subscribe(events.TypeReportCreated, dispatcher.HandleCreated)
	bus.Subscribe(events.TypeReportAssigned, scheduler.HandleAssigned)
	for _, typ := range events.AllTypes {
		bus.Subscribe(typ, relay.Handle)
	}

	bold := color.New(color.Bold)
	step := func(format string, args ...interface{}) {
		fmt.Fprintf(out, "%s %s\n",
			color.New(color.FgCyan).Sprintf("[%s]", clock.Now().Format("15:04:05")),
			fmt.Sprintf(format, args...))
	}

	now := clock.Now()
	ref, err := reports.NextReference(ctx, now)
	if err != nil {
		return nil, err
	}
	rep := &report.Report{
		ID:              report.NewID(),
		ReferenceNumber: ref,
		Title:           "Jalan berlubang di depan sekolah",
		Description:     "Lubang besar membahayakan pengendara motor",
		Category:        report.NormalizeCategory(opts.Category),
		Type:            report.TypePublic,
		LocationHint:    opts.Location,
		ReporterID:      opts.Reporter,
		Reporter:        "Warga Demo",
		Status:          report.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if opts.Anonymous {
		sealed, err := cipher.Encrypt(opts.Reporter)
		if err != nil {
			return nil, err
		}
		rep.Type = report.TypeAnonymous
		rep.ReporterID = ""
		rep.ReporterIDEnc = sealed
	}
	if err := reports.Create(ctx, rep); err != nil {
		return nil, err
	}
	step("report %s filed (%s, %s)", bold.Sprint(ref), rep.Category, rep.Type)

	created, err := events.New(events.TypeReportCreated, rep.ID, now, events.ReportCreated{
		ReportID: rep.ID, Category: rep.Category, Type: rep.Type, LocationHint: rep.LocationHint,
	})
	if err != nil {
		return nil, err
	}
	if err := bus.Publish(ctx, created); err != nil {
		return nil, err
	}

	cur, err := reports.Get(ctx, rep.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status != report.StatusAssigned {
		step("%s report stayed %s; no department handles it", color.New(color.FgRed).Sprint("unroutable:"), cur.Status)
		return &demoResult{Report: cur}, nil
	}
	step("assigned to %s (tier %d), SLA deadline %s",
		bold.Sprint(cur.StaffID), cur.Tier, cur.SLADeadline.Format("15:04:05"))

	res := &demoResult{}
	windows := []time.Duration{policy.Tier1, policy.Tier2, policy.Tier2}
	for _, window := range windows {
		if err := clock.Advance(ctx, window+time.Second); err != nil {
			return nil, err
		}
		sum, err := scheduler.Tick(ctx)
		if err != nil {
			return nil, err
		}
		res.Scans = append(res.Scans, sum)

		cur, err = reports.Get(ctx, rep.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case sum.Escalated > 0:
			step("%s level %d, now with %s (tier %d), next deadline %s",
				color.New(color.FgYellow).Sprint("escalated:"),
				cur.EscalationLevel, bold.Sprint(cur.StaffID), cur.Tier, cur.SLADeadline.Format("15:04:05"))
		case sum.Rearmed > 0:
			step("still unhandled at the escalation ceiling (level %d); watch re-armed", cur.EscalationLevel)
		default:
			step("scan found nothing to escalate")
		}
	}

	list, err := notes.ListForUser(ctx, opts.Reporter, notify.ListOptions{})
	if err != nil {
		return nil, err
	}
	for len(live.Send) > 0 {
		if msg := <-live.Send; msg.Kind == realtime.KindNotification {
			res.Pushed++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Reporter notifications (%d, %d pushed live):\n", len(list), res.Pushed)
	for i := len(list) - 1; i >= 0; i-- {
		fmt.Fprintf(out, "  - %s: %s\n", bold.Sprint(list[i].Title), list[i].Message)
	}

	history, err := reports.History(ctx, rep.ID)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "History:")
	for _, h := range history {
		fmt.Fprintf(out, "  %s  %-17s -> %-17s by %s\n", h.CreatedAt.Format("15:04:05"), h.OldStatus, h.NewStatus, h.ActorID)
	}

	res.Report = cur
	res.Notifications = list
	return res, nil
}
