// Package ctms is a mock of the external clinical trial management system:
// the read-only directory of studies, countries and sites that TMF metadata
// references. The engine only reads it; a real deployment would swap this
// for an API client.
package ctms

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// CTMS DIRECTORY
// ============================================================================

// Study is a sponsored clinical trial.
type Study struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Sponsor string `json:"sponsor"`
}

// Country is a trial jurisdiction.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Site is a participating clinical site.
type Site struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
	StudyID string `json:"study_id"`
	Status  string `json:"status"`
}

// Directory serves the trial master data.
type Directory struct {
	mu        sync.RWMutex
	studies   []Study
	countries []Country
	sites     []Site
	syncedAt  time.Time
}

// NewDirectory creates a directory preloaded with the demo data set.
func NewDirectory() *Directory {
	return &Directory{
		studies: []Study{
			{ID: "STUDY-001", Name: "Diabetes Phase III Trial", Sponsor: "PharmaCorp"},
			{ID: "STUDY-002", Name: "Oncology Phase II Study", Sponsor: "BioMed Ltd"},
			{ID: "STUDY-003", Name: "Cardiovascular Research", Sponsor: "HeartCare Inc"},
		},
		countries: []Country{
			{Code: "US", Name: "United States"},
			{Code: "UK", Name: "United Kingdom"},
			{Code: "IN", Name: "India"},
			{Code: "DE", Name: "Germany"},
			{Code: "JP", Name: "Japan"},
		},
		sites: []Site{
			{ID: "SITE-US-01", Name: "Boston Medical Center", Country: "US", StudyID: "STUDY-001", Status: "Active"},
			{ID: "SITE-US-02", Name: "UCLA Medical", Country: "US", StudyID: "STUDY-001", Status: "Active"},
			{ID: "SITE-UK-01", Name: "London Research Hospital", Country: "UK", StudyID: "STUDY-002", Status: "Active"},
			{ID: "SITE-IN-01", Name: "Mumbai Clinical Trials", Country: "IN", StudyID: "STUDY-001", Status: "Active"},
			{ID: "SITE-DE-01", Name: "Berlin Medical Institute", Country: "DE", StudyID: "STUDY-003", Status: "Active"},
		},
		syncedAt: time.Now().UTC(),
	}
}

// Studies returns every study.
func (d *Directory) Studies(_ context.Context) []Study {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Study(nil), d.studies...)
}

// Countries returns the trial jurisdictions; with a study id, only those
// with a site participating in that study.
func (d *Directory) Countries(_ context.Context, studyID string) []Country {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if studyID == "" {
		return append([]Country(nil), d.countries...)
	}
	present := make(map[string]bool)
	for _, site := range d.sites {
		if site.StudyID == studyID {
			present[site.Country] = true
		}
	}
	var out []Country
	for _, c := range d.countries {
		if present[c.Code] {
			out = append(out, c)
		}
	}
	return out
}

// Sites returns the clinical sites, optionally filtered by study and
// country.
func (d *Directory) Sites(_ context.Context, studyID, country string) []Site {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Site
	for _, site := range d.sites {
		if studyID != "" && site.StudyID != studyID {
			continue
		}
		if country != "" && site.Country != country {
			continue
		}
		out = append(out, site)
	}
	return out
}

// Sync simulates a refresh from the external system and reports counts.
func (d *Directory) Sync(_ context.Context) (studies, countries, sites int, syncedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncedAt = time.Now().UTC()
	return len(d.studies), len(d.countries), len(d.sites), d.syncedAt
}
