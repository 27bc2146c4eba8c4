package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"citizen-report-coordinator/pkg/breaker"
	"citizen-report-coordinator/pkg/middleware"
	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/response"
)

// ServiceName is the breaker key for calls to the routing service.
const ServiceName = "routing-service"

// Handler serves routing decisions over HTTP.
type Handler struct {
	engine Router
	dir    Directory
}

func NewHandler(engine Router, dir Directory) *Handler {
	return &Handler{engine: engine, dir: dir}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/internal/routing", h.decide)
	r.Get("/internal/departments/{id}", h.department)
	r.Get("/internal/departments/{id}/staff", h.staff)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	category := report.NormalizeCategory(r.URL.Query().Get("category"))
	location := r.URL.Query().Get("location")
	if category == "" {
		response.Error(w, http.StatusBadRequest, "category is required", "")
		return
	}

	decision, err := h.engine.Decide(r.Context(), category, location)
	if err != nil {
		response.DomainError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Routing decided", decision)
}

func (h *Handler) department(w http.ResponseWriter, r *http.Request) {
	dept, err := h.dir.Department(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrDepartmentNotFound) {
		response.Error(w, http.StatusNotFound, "Department not found", "")
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to load department", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Department fetched", dept)
}

func (h *Handler) staff(w http.ResponseWriter, r *http.Request) {
	tier := TierFirstResponder
	if r.URL.Query().Get("tier") == "2" {
		tier = TierDepartmentHead
	}
	staff, err := h.dir.ActiveStaff(r.Context(), chi.URLParam(r, "id"), tier)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to load staff", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Staff fetched", staff)
}

// Client calls the routing service through the shared circuit breaker.
type Client struct {
	baseURL  string
	http     *http.Client
	breakers *breaker.Registry
}

func NewClient(baseURL string, httpClient *http.Client, breakers *breaker.Registry) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		breakers: breakers,
	}
}

type decisionEnvelope struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Data    Decision `json:"data"`
	Error   string   `json:"error"`
}

func (c *Client) Decide(ctx context.Context, category report.Category, locationHint string) (Decision, error) {
	q := url.Values{}
	q.Set("category", string(category))
	if locationHint != "" {
		q.Set("location", locationHint)
	}
	endpoint := c.baseURL + "/internal/routing?" + q.Encode()

	var (
		decision   Decision
		unroutable error
	)
	err := c.breakers.Execute(ctx, ServiceName, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		middleware.PropagateTraceID(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("routing request failed: %w", err)
		}
		defer resp.Body.Close()

		var body decisionEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("routing response undecodable (HTTP %d): %w", resp.StatusCode, err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			decision = body.Data
			return nil
		case resp.StatusCode == http.StatusUnprocessableEntity:
			// A definite answer from a healthy service.
			unroutable = fmt.Errorf("%w: %s", report.ErrUnroutableReport, body.Error)
			return nil
		default:
			return fmt.Errorf("routing service returned HTTP %d: %s", resp.StatusCode, body.Error)
		}
	})
	if err != nil {
		return Decision{}, err
	}
	if unroutable != nil {
		return Decision{}, unroutable
	}
	return decision, nil
}
