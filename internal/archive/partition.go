package archive

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage"
)

// Partition is the monthly storage unit of one region.
type Partition struct {
	Region string     `json:"region"`
	Year   int        `json:"year"`
	Month  time.Month `json:"month"`
}

// PartitionOf returns the partition holding an article published at t (UTC).
func PartitionOf(region string, t time.Time) Partition {
	t = t.UTC()
	return Partition{Region: region, Year: t.Year(), Month: t.Month()}
}

// Key is the object key: <region>/<yyyy>/<mm>.json.
func (p Partition) Key() string {
	return storage.JoinKey(p.Region, fmt.Sprintf("%04d", p.Year), fmt.Sprintf("%02d.json", int(p.Month)))
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%04d-%02d", p.Region, p.Year, int(p.Month))
}

// FlatKey names the single-shot output of a crawl over dr.
func FlatKey(region string, dr article.DateRange) string {
	return fmt.Sprintf("%s_%s.json", region, dr.String())
}

// ScratchKey names one chunk's output within a run.
func ScratchKey(prefix, region, runID, label string) string {
	return storage.JoinKey(prefix, region, runID, label+".json")
}

var yearMonth = regexp.MustCompile(`^(\d{4})-(\d{2})`)

// partitionFromDate reads year and month from the leading digits of an ISO
// date string.
func partitionFromDate(region, date string) (Partition, bool) {
	m := yearMonth.FindStringSubmatch(date)
	if m == nil {
		return Partition{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if year == 0 || month < 1 || month > 12 {
		return Partition{}, false
	}
	return Partition{Region: region, Year: year, Month: time.Month(month)}, true
}

// Group splits records into partitions by publication month.
func Group(region string, records []article.Record) map[Partition][]article.Record {
	out := make(map[Partition][]article.Record)
	for _, r := range records {
		p := PartitionOf(region, r.PublishedAt)
		out[p] = append(out[p], r)
	}
	return out
}
