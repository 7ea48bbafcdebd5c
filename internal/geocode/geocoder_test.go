package geocode

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/policy/ratelimit"
)

type fakeSearcher struct {
	places map[string]*Place
	err    error
	calls  atomic.Int32
}

func (f *fakeSearcher) Search(_ context.Context, query string) (*Place, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.places[query], nil
}

func distance(res *article.GeoResult, lat, lon float64) float64 {
	return math.Hypot(res.Lat-lat, res.Lon-lon)
}

func TestGeocodeStreetIsJittered(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{places: map[string]*Place{
		"Hauptstraße 12, Deutschland": {Lat: 50.0, Lon: 8.0, Type: "house"},
	}}
	g := New(s, NewCache(), DefaultCountrySuffix, nil)

	res, err := g.Geocode(context.Background(), "Hauptstraße 12", "article-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, article.PrecisionStreet, res.Precision)
	assert.True(t, res.Jittered)
	assert.False(t, res.Lat == 50.0 && res.Lon == 8.0)
	d := distance(res, 50.0, 8.0)
	assert.GreaterOrEqual(t, d, 0.001-1e-12)
	assert.Less(t, d, 0.0025)
}

func TestGeocodeJitterIsDeterministicPerSeed(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{places: map[string]*Place{
		"Kaiserstraße 5, Deutschland": {Lat: 50.11, Lon: 8.67, Type: "building"},
	}}
	g := New(s, NewCache(), DefaultCountrySuffix, nil)
	ctx := context.Background()

	a1, err := g.Geocode(ctx, "Kaiserstraße 5", "seed-a")
	require.NoError(t, err)
	a2, err := g.Geocode(ctx, "Kaiserstraße 5", "seed-a")
	require.NoError(t, err)
	b, err := g.Geocode(ctx, "Kaiserstraße 5", "seed-b")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Less(t, distance(a1, 50.11, 8.67), 0.0025)
	assert.Less(t, distance(b, 50.11, 8.67), 0.0025)
	assert.Equal(t, int32(1), s.calls.Load(), "second and third lookups must hit the cache")
}

func TestGeocodeCoarsePrecisionIsExact(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{places: map[string]*Place{
		"Bornheim, Deutschland":  {Lat: 50.13, Lon: 8.71, Type: "suburb"},
		"Offenbach, Deutschland": {Lat: 50.1, Lon: 8.76, Type: "boundary", AddressType: "city"},
		"A5, Deutschland":        {Lat: 50.0, Lon: 8.6, Type: "motorway"},
	}}
	g := New(s, NewCache(), DefaultCountrySuffix, nil)
	ctx := context.Background()

	cases := map[string]article.Precision{
		"Bornheim":  article.PrecisionNeighborhood,
		"Offenbach": article.PrecisionCity,
		"A5":        article.PrecisionUnknown,
	}
	for text, want := range cases {
		res, err := g.Geocode(ctx, text, "seed")
		require.NoError(t, err)
		require.NotNil(t, res, text)
		assert.Equal(t, want, res.Precision, text)
		assert.False(t, res.Jittered, text)
		place := s.places[text+DefaultCountrySuffix]
		assert.Equal(t, place.Lat, res.Lat, text)
		assert.Equal(t, place.Lon, res.Lon, text)
	}
}

func TestGeocodeHouseNumberComponentForcesStreet(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{places: map[string]*Place{
		"Am Markt, Deutschland": {Lat: 51, Lon: 7, Type: "city", HouseNumber: "3"},
	}}
	res, err := New(s, nil, DefaultCountrySuffix, nil).Geocode(context.Background(), "Am Markt", "x")
	require.NoError(t, err)
	assert.Equal(t, article.PrecisionStreet, res.Precision)
}

func TestGeocodeMissesAreCached(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{places: map[string]*Place{}}
	g := New(s, NewCache(), DefaultCountrySuffix, nil)

	for i := 0; i < 3; i++ {
		res, err := g.Geocode(context.Background(), "Nirgendwo", "x")
		require.NoError(t, err)
		assert.Nil(t, res)
	}
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestGeocodeUnavailableIsNotCached(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{err: errors.New("503")}
	cache := NewCache()
	g := New(s, cache, DefaultCountrySuffix, nil)

	res, err := g.Geocode(context.Background(), "Köln", "x")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, cache.Len())
}

func TestGeocodeEmptyText(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{}
	res, err := New(s, nil, DefaultCountrySuffix, nil).Geocode(context.Background(), "   ", "x")
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, s.calls.Load())
}

func TestCacheSaveLoad(t *testing.T) {
	t.Parallel()

	c := NewCache()
	c.Set("Mainz, Deutschland", &Place{Lat: 50, Lon: 8.27, Type: "city"})
	c.Set("Nirgendwo, Deutschland", nil)

	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	restored := NewCache()
	require.NoError(t, restored.Load(&buf))
	assert.Equal(t, 2, restored.Len())

	p, ok := restored.Get("Mainz, Deutschland")
	require.True(t, ok)
	assert.Equal(t, "city", p.Type)

	p, ok = restored.Get("Nirgendwo, Deutschland")
	assert.True(t, ok)
	assert.Nil(t, p)
}

func TestClientSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "jsonv2" || r.Header.Get("User-Agent") != "test-agent" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Query().Get("q") {
		case "Hauptstraße 12, Deutschland":
			_, _ = w.Write([]byte(`[{"lat":"50.0","lon":"8.0","type":"house","addresstype":"building","address":{"house_number":"12"}}]`))
		case "Numeric":
			_, _ = w.Write([]byte(`[{"lat":51.5,"lon":7.25,"type":"city"}]`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "test-agent", ratelimit.New(ratelimit.Config{DefaultRPS: 100}))
	ctx := context.Background()

	p, err := c.Search(ctx, "Hauptstraße 12, Deutschland")
	require.NoError(t, err)
	assert.Equal(t, &Place{Lat: 50.0, Lon: 8.0, Type: "house", AddressType: "building", HouseNumber: "12"}, p)

	p, err = c.Search(ctx, "Numeric")
	require.NoError(t, err)
	assert.InDelta(t, 51.5, p.Lat, 1e-9)

	p, err = c.Search(ctx, "nothing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestClientRespectsRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", ratelimit.New(ratelimit.Config{DefaultRPS: 10, DefaultBurst: 1}))
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Search(context.Background(), "q")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestClientServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", nil).Search(context.Background(), "q")
	assert.Error(t, err)
}
