package model

import "strings"

// SearchUnit is one configured search area.
//
// The engine treats it as opaque; only the fetch capability reads the
// parameters.
type SearchUnit struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	SearchValue string  `json:"search_value,omitempty"`
	URL         string  `json:"url,omitempty"`
	NELat       float64 `json:"ne_lat,omitempty"`
	NELong      float64 `json:"ne_long,omitempty"`
	SWLat       float64 `json:"sw_lat,omitempty"`
	SWLong      float64 `json:"sw_long,omitempty"`
	Pagination  int     `json:"pagination,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

// IsActive defaults to true when the flag is omitted.
func (u SearchUnit) IsActive() bool { return u.Active == nil || *u.Active }

// Label is a human-friendly name for logs and error details.
func (u SearchUnit) Label() string {
	if s := strings.TrimSpace(u.Name); s != "" {
		return s
	}
	if s := strings.TrimSpace(u.SearchValue); s != "" {
		return s
	}
	return u.ID
}

// HasBounds reports whether the unit carries a bounding box.
func (u SearchUnit) HasBounds() bool {
	return u.NELat != 0 || u.NELong != 0 || u.SWLat != 0 || u.SWLong != 0
}
