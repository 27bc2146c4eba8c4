package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"citizen-report-coordinator/pkg/report"
	"citizen-report-coordinator/pkg/response"
)

// Role is the closed set of actor roles.
type Role string

const (
	RoleCitizen    Role = "CITIZEN"
	RoleStaff      Role = "STAFF"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleCitizen, RoleStaff, RoleSupervisor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

type Permission string

const (
	PermCreateReport     Permission = "report:create"
	PermViewOwnReports   Permission = "report:view_own"
	PermViewAllReports   Permission = "report:view_all"
	PermTransitionReport Permission = "report:transition"
	PermViewDirectory    Permission = "directory:view"
)

var permissions = map[Role]map[Permission]bool{
	RoleCitizen: {
		PermCreateReport:     true,
		PermViewOwnReports:   true,
		PermTransitionReport: true,
	},
	RoleStaff: {
		PermViewOwnReports:   true,
		PermViewAllReports:   true,
		PermTransitionReport: true,
	},
	RoleSupervisor: {
		PermViewOwnReports:   true,
		PermViewAllReports:   true,
		PermTransitionReport: true,
		PermViewDirectory:    true,
	},
	RoleAdmin: {
		PermCreateReport:     true,
		PermViewOwnReports:   true,
		PermViewAllReports:   true,
		PermTransitionReport: true,
		PermViewDirectory:    true,
	},
}

func Can(role Role, p Permission) bool {
	return permissions[role][p]
}

var transitionTargets = map[Role]map[report.Status]bool{
	RoleCitizen: {report.StatusClosed: true},
	RoleStaff: {
		report.StatusReceived:        true,
		report.StatusInReview:        true,
		report.StatusInProgress:      true,
		report.StatusWaitingFeedback: true,
		report.StatusResolved:        true,
	},
	RoleSupervisor: {
		report.StatusReceived:        true,
		report.StatusInReview:        true,
		report.StatusAssigned:        true,
		report.StatusInProgress:      true,
		report.StatusWaitingFeedback: true,
		report.StatusResolved:        true,
		report.StatusClosed:          true,
		report.StatusRejected:        true,
	},
}

// CanTransitionTo reports whether role may move a report into target.
// Admins may request any target; the transition table still applies.
func CanTransitionTo(role Role, target report.Status) bool {
	if role == RoleAdmin {
		return target != report.StatusEscalated
	}
	return transitionTargets[role][target]
}

// RequirePermission rejects callers whose role lacks p.
func RequirePermission(p Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			role, err := ParseRole(claims.Role)
			if err != nil || !Can(role, p) {
				response.Error(w, http.StatusForbidden, "Forbidden", "Insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole ensures the authenticated user has one of the allowed roles.
func RequireRole(allowed ...Role) func(http.Handler) http.Handler {
	set := make(map[Role]bool, len(allowed))
	for _, r := range allowed {
		set[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			role, err := ParseRole(claims.Role)
			if err != nil || !set[role] {
				response.Error(w, http.StatusForbidden, "Forbidden", "Insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
