// Package chunk splits a requested date range into month-sized chunks and
// crawls them concurrently, merging their outputs into the archive.
package chunk

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
)

var (
	// ErrInvalidRange rejects a missing or reversed date range.
	ErrInvalidRange = errors.New("invalid date range")
	// ErrNoRegions rejects a run without regions.
	ErrNoRegions = errors.New("no regions selected")
)

// LabelLayout formats chunk labels as year-month.
const LabelLayout = "2006-01"

// DateChunk is one crawl unit: a sub-range of the request within a single
// calendar month.
type DateChunk struct {
	Region string
	Start  time.Time
	End    time.Time
	Label  string
}

// Range returns the chunk bounds as a DateRange.
func (c DateChunk) Range() article.DateRange {
	return article.DateRange{Start: c.Start, End: c.End}
}

// Plan splits [start, end] into one chunk per calendar month touched. The
// first and last chunks are clipped to the requested days; a range inside
// a single month yields exactly one chunk. Dates are interpreted as UTC days.
func Plan(region string, start, end time.Time) ([]DateChunk, error) {
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	start, end = day(start), day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange,
			end.Format(article.DateLayout), start.Format(article.DateLayout))
	}

	var chunks []DateChunk
	for cur := start; !cur.After(end); {
		monthEnd := time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
		chunkEnd := monthEnd
		if end.Before(chunkEnd) {
			chunkEnd = end
		}
		chunks = append(chunks, DateChunk{
			Region: region,
			Start:  cur,
			End:    chunkEnd,
			Label:  cur.Format(LabelLayout),
		})
		cur = monthEnd.AddDate(0, 0, 1)
	}
	return chunks, nil
}

// ParseDate reads an ISO calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(article.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a YYYY-MM-DD date", ErrInvalidRange, s)
	}
	return t, nil
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
