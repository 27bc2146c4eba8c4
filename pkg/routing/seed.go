package routing

// Seed department and staff ids are fixed so every environment routes the
// same way.
const (
	DeptPublicWorks      = "6f1c2a52-0b7e-4c1a-9d4b-0a1f00000001"
	DeptPublicWorksZoneA = "6f1c2a52-0b7e-4c1a-9d4b-0a1f00000002"
	DeptPublicWorksZoneB = "6f1c2a52-0b7e-4c1a-9d4b-0a1f00000003"
	DeptSanitation       = "6f1c2a52-0b7e-4c1a-9d4b-0a1f00000004"
	DeptStreetLighting   = "6f1c2a52-0b7e-4c1a-9d4b-0a1f00000005"
	DeptEnvironment      = "6f1c2a52-0b7e-4c1a-9d4b-0a1f00000006"
	DeptTransport        = "6f1c2a52-0b7e-4c1a-9d4b-0a1f00000007"
	DeptSecurity         = "6f1c2a52-0b7e-4c1a-9d4b-0a1f00000008"
)

func strPtr(s string) *string { return &s }

// SeedDepartments is the initial directory loaded into an empty database.
func SeedDepartments() []Department {
	return []Department{
		{ID: DeptPublicWorks, Code: "pekerjaan_umum", Name: "Dinas Pekerjaan Umum", HeadStaffID: "pu-head", Active: true},
		{ID: DeptPublicWorksZoneA, Code: "pekerjaan_umum_zone_a", Name: "Dinas PU - Zona A", ParentID: strPtr(DeptPublicWorks), LocationKey: "zone-a", HeadStaffID: "pu-a-head", Active: true},
		{ID: DeptPublicWorksZoneB, Code: "pekerjaan_umum_zone_b", Name: "Dinas PU - Zona B", ParentID: strPtr(DeptPublicWorks), LocationKey: "zone-b", Active: true},
		{ID: DeptSanitation, Code: "kebersihan", Name: "Dinas Kebersihan", HeadStaffID: "kb-head", Active: true},
		{ID: DeptStreetLighting, Code: "penerangan_jalan", Name: "Dinas Penerangan Jalan", HeadStaffID: "pj-head", Active: true},
		{ID: DeptEnvironment, Code: "lingkungan_hidup", Name: "Dinas Lingkungan Hidup", HeadStaffID: "lh-head", Active: true},
		{ID: DeptTransport, Code: "perhubungan", Name: "Dinas Perhubungan", HeadStaffID: "dishub-head", Active: true},
		{ID: DeptSecurity, Code: "satpol_pp", Name: "Satpol PP", HeadStaffID: "satpol-head", Active: true},
	}
}

func SeedStaff() []StaffMember {
	return []StaffMember{
		{ID: "pu-01", DepartmentID: DeptPublicWorks, Name: "Petugas PU 1", Tier: 1, Active: true},
		{ID: "pu-a-01", DepartmentID: DeptPublicWorksZoneA, Name: "Petugas PU Zona A 1", Tier: 1, Active: true},
		{ID: "pu-a-02", DepartmentID: DeptPublicWorksZoneA, Name: "Petugas PU Zona A 2", Tier: 1, Active: true},
		{ID: "pu-a-sup", DepartmentID: DeptPublicWorksZoneA, Name: "Supervisor PU Zona A", Tier: 2, Active: true},
		{ID: "pu-b-sup", DepartmentID: DeptPublicWorksZoneB, Name: "Supervisor PU Zona B", Tier: 2, Active: true},
		{ID: "kb-01", DepartmentID: DeptSanitation, Name: "Petugas Kebersihan 1", Tier: 1, Active: true},
		{ID: "kb-sup", DepartmentID: DeptSanitation, Name: "Supervisor Kebersihan", Tier: 2, Active: true},
		{ID: "pj-01", DepartmentID: DeptStreetLighting, Name: "Petugas Penerangan 1", Tier: 1, Active: true},
		{ID: "lh-01", DepartmentID: DeptEnvironment, Name: "Petugas LH 1", Tier: 1, Active: true},
		{ID: "dishub-01", DepartmentID: DeptTransport, Name: "Petugas Dishub 1", Tier: 1, Active: true},
		{ID: "satpol-01", DepartmentID: DeptSecurity, Name: "Anggota Satpol 1", Tier: 1, Active: true},
	}
}

// NewSeededMemoryDirectory returns a MemoryDirectory loaded with the seed data.
func NewSeededMemoryDirectory() *MemoryDirectory {
	return NewMemoryDirectory(SeedDepartments(), SeedStaff())
}
