package geocode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Place is the top match of a geocoding query.
type Place struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Type        string  `json:"type"`
	AddressType string  `json:"addresstype,omitempty"`
	HouseNumber string  `json:"house_number,omitempty"`
}

// Limiter throttles calls to the geocoding service.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client queries a Nominatim-compatible /search endpoint.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   Limiter
}

// NewClient creates a Client. limiter may be nil.
func NewClient(baseURL, userAgent string, limiter Limiter) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		http:      &http.Client{Timeout: 15 * time.Second},
		limiter:   limiter,
	}
}

// coordinate accepts both "50.1" and 50.1.
type coordinate float64

func (c *coordinate) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse coordinate %q: %w", b, err)
	}
	*c = coordinate(f)
	return nil
}

type searchResult struct {
	Lat         coordinate `json:"lat"`
	Lon         coordinate `json:"lon"`
	Type        string     `json:"type"`
	AddressType string     `json:"addresstype"`
	Address     struct {
		HouseNumber string `json:"house_number"`
	} `json:"address"`
}

// Search returns the top match for query, or nil when there is none.
func (c *Client) Search(ctx context.Context, query string) (*Place, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	q.Set("addressdetails", "1")
	endpoint := c.baseURL + "/search?" + q.Encode()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return nil, fmt.Errorf("geocode rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoder returned %d", resp.StatusCode)
	}

	var results []searchResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	top := results[0]
	return &Place{
		Lat:         float64(top.Lat),
		Lon:         float64(top.Lon),
		Type:        top.Type,
		AddressType: top.AddressType,
		HouseNumber: top.Address.HouseNumber,
	}, nil
}
