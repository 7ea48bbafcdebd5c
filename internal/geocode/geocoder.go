// Package geocode resolves location text to coordinates with a precision
// tier, caching answers per query and jittering street-level points.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/hash/sha256"
	"github.com/JakeFAU/blaulicht-crawler/internal/metrics"
)

// DefaultCountrySuffix narrows free-text queries to Germany.
const DefaultCountrySuffix = ", Deutschland"

// Jitter radius bounds in degrees.
const (
	jitterMin  = 0.001
	jitterSpan = 0.0015
)

// ErrUnavailable marks a failed call to the geocoding service.
var ErrUnavailable = errors.New("geocoder unavailable")

// Searcher looks up the top place for a query; nil means no match.
type Searcher interface {
	Search(ctx context.Context, query string) (*Place, error)
}

// Geocoder resolves location text through a cache.
type Geocoder struct {
	searcher Searcher
	cache    *Cache
	suffix   string
	hasher   *sha256.Hasher
	logger   *zap.Logger
}

// New creates a Geocoder. The cache is owned by the caller so it can be
// loaded and saved at run boundaries.
func New(searcher Searcher, cache *Cache, countrySuffix string, logger *zap.Logger) *Geocoder {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Geocoder{
		searcher: searcher,
		cache:    cache,
		suffix:   countrySuffix,
		hasher:   sha256.New(),
		logger:   logger,
	}
}

// Geocode resolves locationText. seed identifies the article and drives the
// street-level jitter. A nil result with nil error means no match.
func (g *Geocoder) Geocode(ctx context.Context, locationText, seed string) (*article.GeoResult, error) {
	text := strings.TrimSpace(locationText)
	if text == "" {
		return nil, nil
	}
	query := text + g.suffix

	place, hit := g.cache.Get(query)
	metrics.ObserveGeocodeCache(hit)
	if !hit {
		var err error
		place, err = g.searcher.Search(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		g.cache.Set(query, place)
	}
	if place == nil {
		return nil, nil
	}

	res := &article.GeoResult{
		Lat:       place.Lat,
		Lon:       place.Lon,
		Precision: precisionOf(place, text),
	}
	if res.Precision == article.PrecisionStreet {
		if seed == "" {
			seed = query
		}
		res.Lat, res.Lon = g.jitter(res.Lat, res.Lon, seed)
		res.Jittered = true
	}
	return res, nil
}

// jitter moves the point by a seed-derived angle and a radius in
// [jitterMin, jitterMin+jitterSpan) degrees.
func (g *Geocoder) jitter(lat, lon float64, seed string) (float64, float64) {
	h1, h2 := g.hasher.Words(seed)
	angle := float64(h1%360) * math.Pi / 180
	dist := jitterMin + float64(h2%1_000_000)/1_000_000*jitterSpan
	return lat + dist*math.Sin(angle), lon + dist*math.Cos(angle)
}

var houseNumber = regexp.MustCompile(`\b\d{1,4}\b`)

var placeTypes = map[string]article.Precision{
	"house":         article.PrecisionStreet,
	"building":      article.PrecisionStreet,
	"address":       article.PrecisionStreet,
	"road":          article.PrecisionStreet,
	"street":        article.PrecisionStreet,
	"residential":   article.PrecisionStreet,
	"pedestrian":    article.PrecisionStreet,
	"living_street": article.PrecisionStreet,
	"service":       article.PrecisionStreet,
	"primary":       article.PrecisionStreet,
	"secondary":     article.PrecisionStreet,
	"tertiary":      article.PrecisionStreet,
	"unclassified":  article.PrecisionStreet,

	"suburb":        article.PrecisionNeighborhood,
	"neighbourhood": article.PrecisionNeighborhood,
	"neighborhood":  article.PrecisionNeighborhood,
	"quarter":       article.PrecisionNeighborhood,
	"city_district": article.PrecisionNeighborhood,
	"borough":       article.PrecisionNeighborhood,
	"hamlet":        article.PrecisionNeighborhood,

	"city":           article.PrecisionCity,
	"town":           article.PrecisionCity,
	"village":        article.PrecisionCity,
	"municipality":   article.PrecisionCity,
	"county":         article.PrecisionCity,
	"administrative": article.PrecisionCity,
}

func precisionOf(p *Place, text string) article.Precision {
	if p.HouseNumber != "" || houseNumber.MatchString(text) {
		return article.PrecisionStreet
	}
	for _, t := range []string{p.Type, p.AddressType} {
		if prec, ok := placeTypes[strings.ToLower(t)]; ok {
			return prec
		}
	}
	return article.PrecisionUnknown
}
