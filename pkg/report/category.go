package report

import (
	"strings"
)

type Category string

const (
	CategoryInfrastructure Category = "INFRASTRUCTURE"
	CategorySanitation     Category = "SANITATION"
	CategoryDrainage       Category = "DRAINAGE"
	CategoryPublicFacility Category = "PUBLIC_FACILITY"
	CategoryStreetLighting Category = "STREET_LIGHTING"
	CategoryEnvironment    Category = "ENVIRONMENT"
	CategoryTransport      Category = "TRANSPORT"
	CategorySecurity       Category = "SECURITY"
)

// categoryAliases maps the labels used by the intake forms.
var categoryAliases = map[string]Category{
	"sampah":              CategorySanitation,
	"jalan":               CategoryInfrastructure,
	"jalan_rusak":         CategoryInfrastructure,
	"drainase":            CategoryDrainage,
	"fasilitas_umum":      CategoryPublicFacility,
	"lampu_jalan":         CategoryStreetLighting,
	"polusi":              CategoryEnvironment,
	"traffic_&_transport": CategoryTransport,
	"keamanan":            CategorySecurity,
}

var knownCategories = map[Category]bool{
	CategoryInfrastructure: true,
	CategorySanitation:     true,
	CategoryDrainage:       true,
	CategoryPublicFacility: true,
	CategoryStreetLighting: true,
	CategoryEnvironment:    true,
	CategoryTransport:      true,
	CategorySecurity:       true,
}

// NormalizeCategory returns the canonical category for a raw label.
// Unknown labels come back upper-cased so routing can reject them explicitly.
func NormalizeCategory(raw string) Category {
	key := strings.ToLower(normalize(raw))
	if c, ok := categoryAliases[key]; ok {
		return c
	}
	return Category(strings.ToUpper(key))
}

func (c Category) Known() bool {
	return knownCategories[c]
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ToUpper(s)
}
