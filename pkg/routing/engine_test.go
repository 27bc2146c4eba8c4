package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citizen-report-coordinator/pkg/report"
)

func TestEngine_Decide(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewSeededMemoryDirectory())

	tests := []struct {
		name     string
		category report.Category
		location string
		wantDept string
		wantTier int
	}{
		{"location narrows to sub-unit", report.CategoryInfrastructure, "zone-A", DeptPublicWorksZoneA, 1},
		{"location matching ignores case and spacing", report.CategoryDrainage, " Zone A ", DeptPublicWorksZoneA, 1},
		{"unknown location falls back to parent", report.CategoryInfrastructure, "zone-z", DeptPublicWorks, 1},
		{"no location uses parent", report.CategoryPublicFacility, "", DeptPublicWorks, 1},
		{"sub-unit without tier-1 capacity starts at tier 2", report.CategoryInfrastructure, "zone-b", DeptPublicWorksZoneB, 2},
		{"department without sub-units", report.CategorySanitation, "zone-a", DeptSanitation, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Decide(ctx, tt.category, tt.location)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDept, d.DepartmentID)
			assert.Equal(t, tt.wantTier, d.InitialTier)
		})
	}
}

func TestEngine_DecideIsDeterministic(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewSeededMemoryDirectory())

	first, err := engine.Decide(ctx, report.CategoryInfrastructure, "zone-A")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := engine.Decide(ctx, report.CategoryInfrastructure, "zone-A")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEngine_Unroutable(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown category", func(t *testing.T) {
		engine := NewEngine(NewSeededMemoryDirectory())
		_, err := engine.Decide(ctx, report.Category("ALIENS"), "zone-a")
		require.ErrorIs(t, err, report.ErrUnroutableReport)
	})

	t.Run("department missing from directory", func(t *testing.T) {
		engine := NewEngine(NewMemoryDirectory(nil, nil))
		_, err := engine.Decide(ctx, report.CategorySanitation, "")
		require.ErrorIs(t, err, report.ErrUnroutableReport)
	})

	t.Run("inactive department", func(t *testing.T) {
		engine := NewEngine(NewMemoryDirectory([]Department{{ID: "d1", Code: "kebersihan", Active: false}}, nil))
		_, err := engine.Decide(ctx, report.CategorySanitation, "")
		require.ErrorIs(t, err, report.ErrUnroutableReport)
	})
}

func TestEngine_CapacityLossRaisesInitialTier(t *testing.T) {
	ctx := context.Background()
	dir := NewSeededMemoryDirectory()
	engine := NewEngine(dir)

	dir.SetStaffActive("kb-01", false)
	d, err := engine.Decide(ctx, report.CategorySanitation, "")
	require.NoError(t, err)
	assert.Equal(t, TierDepartmentHead, d.InitialTier)
}

func TestPickStaff(t *testing.T) {
	ctx := context.Background()
	dir := NewSeededMemoryDirectory()

	first, err := PickStaff(ctx, dir, DeptPublicWorksZoneA, 1, "report-123")
	require.NoError(t, err)
	assert.Contains(t, []string{"pu-a-01", "pu-a-02"}, first)

	again, _ := PickStaff(ctx, dir, DeptPublicWorksZoneA, 1, "report-123")
	assert.Equal(t, first, again)

	sup, _ := PickStaff(ctx, dir, DeptPublicWorksZoneA, 2, "report-123")
	assert.Equal(t, "pu-a-sup", sup)

	head, err := PickStaff(ctx, dir, DeptStreetLighting, 2, "report-123")
	require.NoError(t, err)
	assert.Equal(t, "pj-head", head)
}

func TestHeadOf_WalksUpHierarchy(t *testing.T) {
	ctx := context.Background()
	dir := NewSeededMemoryDirectory()

	head, err := HeadOf(ctx, dir, DeptPublicWorksZoneB)
	require.NoError(t, err)
	assert.Equal(t, "pu-head", head)

	head, _ = HeadOf(ctx, dir, DeptPublicWorksZoneA)
	assert.Equal(t, "pu-a-head", head)
}
