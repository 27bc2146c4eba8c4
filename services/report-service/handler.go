package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"citizen-report-coordinator/pkg/escalation"
	"citizen-report-coordinator/pkg/events"
	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/middleware"
	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/response"
	"citizen-report-coordinator/pkg/security"
	"citizen-report-coordinator/pkg/store"
)

// Transitioner applies staff and citizen status changes.
type Transitioner interface {
	Apply(ctx context.Context, req lifecycle.Request) (*report.Report, error)
	Assign(ctx context.Context, req lifecycle.Request, a lifecycle.Assignment) (*report.Report, error)
}

// Sealer protects the reporter id of anonymous reports.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

type Handler struct {
	reports   store.Reports
	machine   Transitioner
	publisher events.Publisher
	sealer    Sealer
	policy    escalation.Policy
	log       *logrus.Entry
	nowFn     func() time.Time
	validate  *validator.Validate
}

func NewHandler(reports store.Reports, machine Transitioner, publisher events.Publisher, sealer Sealer, policy escalation.Policy, log *logrus.Entry) *Handler {
	return &Handler{
		reports:   reports,
		machine:   machine,
		publisher: publisher,
		sealer:    sealer,
		policy:    policy,
		log:       log,
		nowFn:     time.Now,
		validate:  validator.New(),
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/reports", func(r chi.Router) {
		r.Get("/", h.listPublic)
		r.With(middleware.RequirePermission(middleware.PermCreateReport)).Post("/", h.create)
		r.With(middleware.RequirePermission(middleware.PermViewOwnReports)).Get("/mine", h.mine)
		r.Get("/ref/{ref}", h.getByReference)
		r.Get("/{id}", h.get)
		r.Get("/{id}/history", h.history)
		r.With(middleware.RequirePermission(middleware.PermTransitionReport)).Put("/{id}/status", h.updateStatus)
	})
	r.With(middleware.RequirePermission(middleware.PermViewAllReports)).Get("/admin/reports", h.adminList)
}

type createInput struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"required"`
	Category    string `json:"category" validate:"required"`
	Location    string `json:"location"`
	Privacy     string `json:"privacy" validate:"omitempty,oneof=public private anonymous PUBLIC PRIVATE ANONYMOUS"`
	IsAnonymous bool   `json:"isAnonymous"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())

	var input createInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request payload", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		response.Error(w, http.StatusBadRequest, "Title, Description, and Category are required", err.Error())
		return
	}

	typ := report.ParseType(input.Privacy)
	if input.IsAnonymous {
		typ = report.TypeAnonymous
	}

	now := h.nowFn().UTC()
	ref, err := h.reports.NextReference(r.Context(), now)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to allocate reference number", err.Error())
		return
	}

	rep := &report.Report{
		ID:              report.NewID(),
		ReferenceNumber: ref,
		Title:           input.Title,
		Description:     input.Description,
		Category:        report.NormalizeCategory(input.Category),
		Type:            typ,
		LocationHint:    input.Location,
		ReporterID:      claims.UserID,
		Reporter:        claims.Name,
		Status:          report.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if rep.Reporter == "" {
		rep.Reporter = claims.Email
	}
	if typ == report.TypeAnonymous {
		sealed, err := h.sealer.Encrypt(claims.UserID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "Failed to protect reporter identity", err.Error())
			return
		}
		rep.ReporterIDEnc = sealed
		rep.ReporterID = ""
	}

	if err := h.reports.Create(r.Context(), rep); err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to save report", err.Error())
		return
	}

	log := h.log.WithFields(logrus.Fields{"report_id": rep.ID, "reference": rep.ReferenceNumber, "type": rep.Type})
	log.Info("report created")
	if !rep.Category.Known() {
		log.WithField("category", rep.Category).Warn("unknown category, report will wait for manual triage")
	}

	e, err := events.New(events.TypeReportCreated, rep.ID, now, events.ReportCreated{
		ReportID:     rep.ID,
		Category:     rep.Category,
		Type:         rep.Type,
		LocationHint: rep.LocationHint,
	})
	if err == nil {
		e.TraceID = middleware.TraceIDFrom(r.Context())
		err = h.publisher.Publish(r.Context(), e)
	}
	if err != nil {
		// The report stays PENDING and visible; staff can still pick it up.
		log.WithError(err).Warn("report saved but report.created was not published")
	}

	response.Success(w, http.StatusCreated, "Report created successfully", rep.Masked())
}

func (h *Handler) listPublic(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{PublicOnly: true, Limit: limitParam(r)}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = report.Status(s)
	}
	if c := r.URL.Query().Get("category"); c != "" {
		f.Category = report.NormalizeCategory(c)
	}
	reports, err := h.reports.List(r.Context(), f)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to fetch reports", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Reports fetched successfully", maskAll(reports))
}

// mine lists the caller's identified reports. Anonymous reports carry no
// plaintext owner and are looked up by reference number instead.
func (h *Handler) mine(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	f := store.Filter{ReporterID: claims.UserID, Limit: limitParam(r)}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = report.Status(s)
	}
	reports, err := h.reports.List(r.Context(), f)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to fetch reports", err.Error())
		return
	}
	for i := range reports {
		reports[i].History = nil
	}
	response.Success(w, http.StatusOK, "User reports fetched successfully", reports)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reports.Get(r.Context(), chi.URLParam(r, "id"))
	h.writeReport(w, r, rep, err)
}

func (h *Handler) getByReference(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if _, _, err := report.ParseReference(ref); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid reference number", err.Error())
		return
	}
	rep, err := h.reports.GetByReference(r.Context(), ref)
	h.writeReport(w, r, rep, err)
}

func (h *Handler) writeReport(w http.ResponseWriter, r *http.Request, rep *report.Report, err error) {
	if err != nil {
		response.DomainError(w, err)
		return
	}
	claims, _ := middleware.ClaimsFrom(r.Context())
	if !h.canView(claims, rep) {
		response.DomainError(w, report.ErrNotFound)
		return
	}
	if h.isOwner(claims, rep) {
		out := *rep
		out.History = nil
		response.Success(w, http.StatusOK, "Report fetched successfully", out)
		return
	}
	response.Success(w, http.StatusOK, "Report fetched successfully", rep.Masked())
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := h.reports.Get(r.Context(), id)
	if err != nil {
		response.DomainError(w, err)
		return
	}
	claims, _ := middleware.ClaimsFrom(r.Context())
	if !h.canView(claims, rep) {
		response.DomainError(w, report.ErrNotFound)
		return
	}
	changes, err := h.reports.History(r.Context(), id)
	if err != nil {
		response.DomainError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Report history fetched successfully", changes)
}

type statusInput struct {
	Status       string `json:"status" validate:"required"`
	Note         string `json:"note" validate:"max=1000"`
	DepartmentID string `json:"department_id"`
	StaffID      string `json:"staff_id"`
	Tier         int    `json:"tier" validate:"omitempty,oneof=1 2"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	role, _ := middleware.ParseRole(claims.Role)

	var input statusInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request payload", err.Error())
		return
	}
	if err := h.validate.Struct(input); err != nil {
		response.Error(w, http.StatusBadRequest, "Status is required", err.Error())
		return
	}
	target := report.Status(input.Status)
	if !target.Valid() {
		response.Error(w, http.StatusBadRequest, "Invalid status", input.Status)
		return
	}
	if !middleware.CanTransitionTo(role, target) {
		response.Error(w, http.StatusForbidden, "Forbidden", "Role may not set status "+input.Status)
		return
	}

	rep, err := h.reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.DomainError(w, err)
		return
	}
	if role == middleware.RoleCitizen && !h.isOwner(claims, rep) {
		response.DomainError(w, report.ErrNotFound)
		return
	}

	req := lifecycle.Request{
		ReportID: rep.ID,
		From:     rep.Status,
		To:       target,
		ActorID:  claims.UserID,
		Note:     input.Note,
	}
	if target == report.StatusAssigned && rep.Status != report.StatusEscalated {
		h.assign(w, r, req, input)
		return
	}

	updated, err := h.machine.Apply(r.Context(), req)
	if err != nil {
		if !lifecycle.IsRejection(err) && !errors.Is(err, report.ErrConflict) {
			h.log.WithError(err).WithField("report_id", rep.ID).Error("status update failed")
		}
		response.DomainError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Report status updated", updated.Masked())
}

// assign is the manual triage path: a supervisor hands a report to a
// department, which starts its SLA clock like a routed assignment.
func (h *Handler) assign(w http.ResponseWriter, r *http.Request, req lifecycle.Request, input statusInput) {
	if input.DepartmentID == "" {
		response.Error(w, http.StatusUnprocessableEntity, "Status change not allowed", "department_id is required to assign a report")
		return
	}
	tier := input.Tier
	if tier == 0 {
		tier = 1
	}

	updated, err := h.machine.Assign(r.Context(), req, lifecycle.Assignment{
		DepartmentID: input.DepartmentID,
		StaffID:      input.StaffID,
		Tier:         tier,
		Deadline:     h.policy.Deadline(h.nowFn(), tier),
	})
	if err != nil {
		if !lifecycle.IsRejection(err) && !errors.Is(err, report.ErrConflict) {
			h.log.WithError(err).WithField("report_id", req.ReportID).Error("manual assignment failed")
		}
		response.DomainError(w, err)
		return
	}

	e, err := lifecycle.AssignedEvent(updated)
	if err == nil {
		e.TraceID = middleware.TraceIDFrom(r.Context())
		err = h.publisher.Publish(r.Context(), e)
	}
	if err != nil {
		h.log.WithError(err).WithField("report_id", updated.ID).Warn("assigned but report.assigned was not published")
	}
	response.Success(w, http.StatusOK, "Report assigned", updated.Masked())
}

func (h *Handler) adminList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Limit: limitParam(r)}
	if s := q.Get("status"); s != "" {
		f.Status = report.Status(s)
	}
	if c := q.Get("category"); c != "" {
		f.Category = report.NormalizeCategory(c)
	}

	days := 30
	switch q.Get("timeRange") {
	case "7d":
		days = 7
	case "90d":
		days = 90
	}
	f.Since = h.nowFn().AddDate(0, 0, -days)

	reports, err := h.reports.List(r.Context(), f)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to fetch reports", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Reports fetched successfully", maskAll(reports))
}

func (h *Handler) isOwner(claims *security.Claims, rep *report.Report) bool {
	if claims == nil || claims.UserID == "" {
		return false
	}
	if rep.ReporterID != "" {
		return rep.ReporterID == claims.UserID
	}
	if rep.ReporterIDEnc == "" || h.sealer == nil {
		return false
	}
	id, err := h.sealer.Decrypt(rep.ReporterIDEnc)
	return err == nil && id == claims.UserID
}

func (h *Handler) canView(claims *security.Claims, rep *report.Report) bool {
	if rep.Type != report.TypePrivate {
		return true
	}
	if claims == nil {
		return false
	}
	if h.isOwner(claims, rep) {
		return true
	}
	role, err := middleware.ParseRole(claims.Role)
	return err == nil && middleware.Can(role, middleware.PermViewAllReports)
}

func maskAll(reports []report.Report) []report.Report {
	out := make([]report.Report, len(reports))
	for i, r := range reports {
		out[i] = r.Masked()
	}
	return out
}

func limitParam(r *http.Request) int64 {
	n, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if err != nil || n <= 0 || n > 500 {
		return 100
	}
	return n
}
