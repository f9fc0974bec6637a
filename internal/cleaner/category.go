package cleaner

import (
	"fmt"
	"strings"
)

// Category is a flood loss category. The string value is the token the
// damage engine accepts on its --flc flag.
type Category string

const (
	CoastalA Category = "CoastalA" // coastal still water
	CoastalV Category = "CoastalV" // coastal wave
	Riverine Category = "Riverine"
)

// Categories lists every category in output order.
var Categories = []Category{CoastalA, CoastalV, Riverine}

// EngineCode returns the engine's internal hazard code for the category.
func (c Category) EngineCode() string {
	switch c {
	case CoastalA:
		return "CAE"
	case CoastalV:
		return "V"
	case Riverine:
		return "HazardRiverine"
	}
	return ""
}

// ParseCategory accepts a category token or an engine hazard code.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(s, string(c)) || strings.EqualFold(s, c.EngineCode()) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown flood loss category %q", s)
}

// Mode controls how records without a zone code are classified.
type Mode string

const (
	// ImpactOnly keeps zone-less records only inside the raster's bounds,
	// classified as coastal still water.
	ImpactOnly Mode = "impact-only"
	// FullDomain classifies every zone-less record as riverine.
	FullDomain Mode = "full-domain"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ImpactOnly, "impact_only", "":
		return ImpactOnly, nil
	case FullDomain, "full_domain":
		return FullDomain, nil
	}
	return "", fmt.Errorf("unknown mode %q (want %s or %s)", s, ImpactOnly, FullDomain)
}

// Reason names why a record was dropped.
type Reason string

const (
	ReasonMissingRequired   Reason = "missing-required-field"
	ReasonInvalidOccupancy  Reason = "invalid-occupancy"
	ReasonInvalidFoundation Reason = "invalid-foundation-type"
	ReasonInvalidLatLon     Reason = "invalid-lat-lon"
	ReasonZeroDepth         Reason = "zero-flood-depth"
	ReasonOutsideRaster     Reason = "outside-raster"
	ReasonDuplicateKey      Reason = "duplicate-key"
	ReasonUnknownZone       Reason = "unknown-zone-outside-bbox"
)
