// Package routing decides which department and staff tier handle a report.
package routing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"citizen-report-coordinator/pkg/report"
)

const (
	TierFirstResponder = 1
	TierDepartmentHead = 2
)

// categoryDepartments is the static category -> department code table.
var categoryDepartments = map[report.Category]string{
	report.CategoryInfrastructure: "pekerjaan_umum",
	report.CategoryDrainage:       "pekerjaan_umum",
	report.CategoryPublicFacility: "pekerjaan_umum",
	report.CategorySanitation:     "kebersihan",
	report.CategoryStreetLighting: "penerangan_jalan",
	report.CategoryEnvironment:    "lingkungan_hidup",
	report.CategoryTransport:      "perhubungan",
	report.CategorySecurity:       "satpol_pp",
}

// DepartmentCodeFor returns the department code a category routes to.
func DepartmentCodeFor(c report.Category) (string, bool) {
	code, ok := categoryDepartments[c]
	return code, ok
}

type Decision struct {
	DepartmentID   string `json:"departmentId"`
	DepartmentCode string `json:"departmentCode"`
	InitialTier    int    `json:"initialTier"`
}

// Router is implemented by the engine itself and by the HTTP client that
// calls the routing service.
type Router interface {
	Decide(ctx context.Context, category report.Category, locationHint string) (Decision, error)
}

type Engine struct {
	dir Directory
}

func NewEngine(dir Directory) *Engine {
	return &Engine{dir: dir}
}

// Decide is a pure function of (category, locationHint) over the current
// directory contents.
func (e *Engine) Decide(ctx context.Context, category report.Category, locationHint string) (Decision, error) {
	code, ok := DepartmentCodeFor(category)
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown category %q", report.ErrUnroutableReport, category)
	}
	dept, err := e.dir.DepartmentByCode(ctx, code)
	if errors.Is(err, ErrDepartmentNotFound) || (err == nil && !dept.Active) {
		return Decision{}, fmt.Errorf("%w: department %q is not available", report.ErrUnroutableReport, code)
	}
	if err != nil {
		return Decision{}, err
	}

	target := *dept
	if loc := normalizeLocation(locationHint); loc != "" {
		units, err := e.dir.SubUnits(ctx, dept.ID)
		if err != nil {
			return Decision{}, err
		}
		for _, u := range units {
			if u.Active && normalizeLocation(u.LocationKey) == loc {
				target = u
				break
			}
		}
	}

	tier := TierFirstResponder
	staff, err := e.dir.ActiveStaff(ctx, target.ID, TierFirstResponder)
	if err != nil {
		return Decision{}, err
	}
	if len(staff) == 0 {
		tier = TierDepartmentHead
	}

	return Decision{DepartmentID: target.ID, DepartmentCode: target.Code, InitialTier: tier}, nil
}

// PickStaff chooses the staff member that owns a report at a tier. The choice
// is stable for a given report id. When nobody is available at the tier the
// department head is returned.
func PickStaff(ctx context.Context, dir Directory, departmentID string, tier int, reportID string) (string, error) {
	staff, err := dir.ActiveStaff(ctx, departmentID, tier)
	if err != nil {
		return "", err
	}
	if len(staff) > 0 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(reportID))
		return staff[int(h.Sum32()%uint32(len(staff)))].ID, nil
	}
	return HeadOf(ctx, dir, departmentID)
}

// HeadOf returns the head of a department, walking up the hierarchy when the
// department has none.
func HeadOf(ctx context.Context, dir Directory, departmentID string) (string, error) {
	id := departmentID
	for depth := 0; id != "" && depth < 8; depth++ {
		d, err := dir.Department(ctx, id)
		if err != nil {
			return "", err
		}
		if d.HeadStaffID != "" {
			return d.HeadStaffID, nil
		}
		if d.ParentID == nil {
			break
		}
		id = *d.ParentID
	}
	return "", nil
}

func normalizeLocation(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	return strings.ReplaceAll(s, " ", "-")
}
