package routing

import (
	"context"
	"sort"
	"sync"
)

// MemoryDirectory is an in-process Directory used by the demo run and tests.
type MemoryDirectory struct {
	mu          sync.RWMutex
	departments map[string]Department
	staff       []StaffMember
}

func NewMemoryDirectory(departments []Department, staff []StaffMember) *MemoryDirectory {
	d := &MemoryDirectory{departments: make(map[string]Department)}
	for _, dept := range departments {
		d.departments[dept.ID] = dept
	}
	d.staff = append(d.staff, staff...)
	return d
}

func (d *MemoryDirectory) DepartmentByCode(_ context.Context, code string) (*Department, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dept := range d.departments {
		if dept.Code == code {
			out := dept
			return &out, nil
		}
	}
	return nil, ErrDepartmentNotFound
}

func (d *MemoryDirectory) Department(_ context.Context, id string) (*Department, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dept, ok := d.departments[id]
	if !ok {
		return nil, ErrDepartmentNotFound
	}
	return &dept, nil
}

func (d *MemoryDirectory) SubUnits(_ context.Context, parentID string) ([]Department, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Department
	for _, dept := range d.departments {
		if dept.ParentID != nil && *dept.ParentID == parentID && dept.Active {
			out = append(out, dept)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (d *MemoryDirectory) ActiveStaff(_ context.Context, departmentID string, tier int) ([]StaffMember, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []StaffMember
	for _, s := range d.staff {
		if s.DepartmentID == departmentID && s.Tier == tier && s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetStaffActive toggles a staff member, e.g. to simulate a tier losing capacity.
func (d *MemoryDirectory) SetStaffActive(id string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.staff {
		if d.staff[i].ID == id {
			d.staff[i].Active = active
		}
	}
}
