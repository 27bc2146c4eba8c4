package routing

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) Migrate() error {
	if err := d.db.AutoMigrate(&Department{}, &StaffMember{}); err != nil {
		return fmt.Errorf("directory migration failed: %w", err)
	}
	return nil
}

func (d *GormDirectory) DepartmentByCode(ctx context.Context, code string) (*Department, error) {
	var dept Department
	err := d.db.WithContext(ctx).Where("code = ?", code).First(&dept).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepartmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load department %s: %w", code, err)
	}
	return &dept, nil
}

func (d *GormDirectory) Department(ctx context.Context, id string) (*Department, error) {
	var dept Department
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&dept).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepartmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load department %s: %w", id, err)
	}
	return &dept, nil
}

func (d *GormDirectory) SubUnits(ctx context.Context, parentID string) ([]Department, error) {
	var units []Department
	err := d.db.WithContext(ctx).
		Where("parent_id = ? AND active = ?", parentID, true).
		Order("code").
		Find(&units).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sub-units of %s: %w", parentID, err)
	}
	return units, nil
}

func (d *GormDirectory) ActiveStaff(ctx context.Context, departmentID string, tier int) ([]StaffMember, error) {
	var staff []StaffMember
	err := d.db.WithContext(ctx).
		Where("department_id = ? AND tier = ? AND active = ?", departmentID, tier, true).
		Order("id").
		Find(&staff).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load staff of %s: %w", departmentID, err)
	}
	return staff, nil
}

// UpsertDepartment inserts or updates a department by code.
func (d *GormDirectory) UpsertDepartment(ctx context.Context, dept *Department) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "parent_id", "location_key", "head_staff_id", "active", "updated_at"}),
	}).Create(dept).Error
}

func (d *GormDirectory) UpsertStaff(ctx context.Context, s *StaffMember) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"department_id", "name", "tier", "active"}),
	}).Create(s).Error
}

// Seed loads the seed directory. Parents come first in SeedDepartments.
func (d *GormDirectory) Seed(ctx context.Context) error {
	for _, dept := range SeedDepartments() {
		dept := dept
		if err := d.UpsertDepartment(ctx, &dept); err != nil {
			return fmt.Errorf("failed to seed department %s: %w", dept.Code, err)
		}
	}
	for _, s := range SeedStaff() {
		s := s
		if err := d.UpsertStaff(ctx, &s); err != nil {
			return fmt.Errorf("failed to seed staff %s: %w", s.ID, err)
		}
	}
	return nil
}
