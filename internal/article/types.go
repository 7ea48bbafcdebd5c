// Package article defines the records shared by every stage of the ingest pipeline.
package article

import (
	"time"
)

// CrimeCategory labels an incident type. Categories are non-exclusive.
type CrimeCategory string

// Known categories produced by the rule stage. External classifiers may return others.
const (
	CategoryHomicide  CrimeCategory = "homicide"
	CategoryKnife     CrimeCategory = "knife"
	CategoryWeapons   CrimeCategory = "weapons"
	CategoryAssault   CrimeCategory = "assault"
	CategoryRobbery   CrimeCategory = "robbery"
	CategoryBurglary  CrimeCategory = "burglary"
	CategoryTheft     CrimeCategory = "theft"
	CategoryFraud     CrimeCategory = "fraud"
	CategoryDrugs     CrimeCategory = "drugs"
	CategorySexual    CrimeCategory = "sexual"
	CategoryArson     CrimeCategory = "arson"
	CategoryVandalism CrimeCategory = "vandalism"
	CategoryTraffic   CrimeCategory = "traffic"
	CategoryMissing   CrimeCategory = "missing_person"
	CategoryOther     CrimeCategory = "other"
)

// Precision is the granularity tier of a resolved location.
type Precision string

// Precision tiers, finest first.
const (
	PrecisionStreet       Precision = "street"
	PrecisionNeighborhood Precision = "neighborhood"
	PrecisionCity         Precision = "city"
	PrecisionUnknown      Precision = "unknown"
)

// Article is the structured form of one press release. It is immutable once extracted.
type Article struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	SourceURL    string    `json:"source_url"`
	SourceAgency string    `json:"source_agency,omitempty"`
	LocationText string    `json:"location_text,omitempty"`
	BodyText     string    `json:"body_text"`
}

// Classification attaches crime categories to an article.
type Classification struct {
	Categories []CrimeCategory `json:"categories"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source,omitempty"`
}

// Has reports whether the category is present.
func (c Classification) Has(cat CrimeCategory) bool {
	for _, got := range c.Categories {
		if got == cat {
			return true
		}
	}
	return false
}

// GeoResult is a resolved location. Street precision points are always jittered.
type GeoResult struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Precision Precision `json:"precision"`
	Jittered  bool      `json:"jittered,omitempty"`
}

// IncidentLink is attached by the downstream enrichment stage; this module only preserves it.
type IncidentLink struct {
	ID       string `json:"id"`
	IsUpdate bool   `json:"is_update"`
}

// Record is one archived article with its derived attachments.
type Record struct {
	Article
	Classification *Classification `json:"classification,omitempty"`
	Geo            *GeoResult      `json:"geo,omitempty"`
	Incident       *IncidentLink   `json:"incident,omitempty"`
	IngestedAt     time.Time       `json:"ingested_at"`
	RunID          string          `json:"run_id,omitempty"`
}

// SitemapEntry is a frontier candidate read from a urlset.
type SitemapEntry struct {
	Loc     string     `json:"loc"`
	LastMod *time.Time `json:"lastmod,omitempty"`
}

// DateRange is an inclusive calendar-day window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls on a day inside the range.
func (r DateRange) Contains(t time.Time) bool {
	day := truncateDay(t.UTC())
	return !day.Before(truncateDay(r.Start)) && !day.After(truncateDay(r.End))
}

// String renders the range as start_end using ISO dates.
func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + "_" + r.End.Format(DateLayout)
}

// DateLayout is the ISO calendar date format used on the CLI and in file names.
const DateLayout = "2006-01-02"

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Region scopes a crawl and its storage partitions.
type Region struct {
	Slug      string   `json:"slug" mapstructure:"slug"`
	Name      string   `json:"name" mapstructure:"name"`
	BaseURL   string   `json:"base_url" mapstructure:"base_url"`
	OfficeIDs []string `json:"office_ids" mapstructure:"office_ids"`
}
