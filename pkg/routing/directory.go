package routing

import (
	"context"
	"errors"
	"time"
)

var ErrDepartmentNotFound = errors.New("department not found")

type Department struct {
	ID          string    `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Code        string    `gorm:"uniqueIndex;not null" json:"code"`
	Name        string    `gorm:"not null" json:"name"`
	ParentID    *string   `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	LocationKey string    `gorm:"index" json:"location_key,omitempty"`
	HeadStaffID string    `json:"head_staff_id,omitempty"`
	Active      bool      `gorm:"default:true" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type StaffMember struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	DepartmentID string    `gorm:"type:uuid;index;not null" json:"department_id"`
	Name         string    `json:"name"`
	Tier         int       `gorm:"not null" json:"tier"`
	Active       bool      `gorm:"default:true" json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Directory is the read side of the department hierarchy.
type Directory interface {
	DepartmentByCode(ctx context.Context, code string) (*Department, error)
	Department(ctx context.Context, id string) (*Department, error)
	// SubUnits returns the active children of a department.
	SubUnits(ctx context.Context, parentID string) ([]Department, error)
	// ActiveStaff returns active staff of a department at tier, ordered by id.
	ActiveStaff(ctx context.Context, departmentID string, tier int) ([]StaffMember, error)
}
