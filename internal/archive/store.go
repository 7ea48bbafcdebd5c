// Package archive maintains the monthly partitioned, URL-deduplicated article
// archive and the scratch and flat files that feed it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/metrics"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage"
)

const contentType = "application/json"

// ErrPartitionCorrupt marks a stored partition that could not be decoded.
var ErrPartitionCorrupt = errors.New("partition corrupt")

// Publisher announces partition updates.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PartitionUpdatedEvent is the publish topic attribute for partition updates.
const PartitionUpdatedEvent = "partition_updated"

// PartitionUpdated is published after a partition has been rewritten.
type PartitionUpdated struct {
	Region  string `json:"region"`
	Year    int    `json:"year"`
	Month   int    `json:"month"`
	Key     string `json:"key"`
	Total   int    `json:"total"`
	Added   int    `json:"added"`
	Updated int    `json:"updated"`
}

// MergeResult describes one partition merge.
type MergeResult struct {
	Partition Partition
	Key       string
	Added     int
	Updated   int
	Unchanged int
	// Total is the number of records in the partition after the merge.
	Total int
	// Written is false when nothing changed and the object was left alone.
	Written bool
	// Recovered is true when an undecodable partition was replaced.
	Recovered bool
}

// Store is the ChunkStore over a blob store.
type Store struct {
	blobs     storage.BlobStore
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithPublisher announces every written partition.
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Store.
func New(blobs storage.BlobStore, opts ...Option) *Store {
	s := &Store{
		blobs:  blobs,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Merge overlays incoming records onto partition p by source URL. Incoming
// records win on conflict; records equal apart from ingest metadata are left
// untouched so merging the same set twice is a no-op. The partition is
// replaced atomically, and only when something changed.
func (s *Store) Merge(ctx context.Context, incoming []article.Record, p Partition) (MergeResult, error) {
	key := p.Key()
	res := MergeResult{Partition: p, Key: key}
	logger := s.logger.With(zap.String("partition", p.String()))

	existing, err := s.load(ctx, key)
	switch {
	case errors.Is(err, ErrPartitionCorrupt):
		logger.Warn("partition unreadable; rebuilding from incoming records", zap.Error(err))
		s.quarantine(ctx, key)
		existing = nil
		res.Recovered = true
	case err != nil:
		return res, err
	}

	byURL := make(map[string]article.Record, len(existing)+len(incoming))
	for _, r := range existing {
		byURL[r.SourceURL] = r
	}
	for _, in := range incoming {
		old, ok := byURL[in.SourceURL]
		if !ok {
			byURL[in.SourceURL] = in
			res.Added++
			continue
		}
		if in.Incident == nil {
			in.Incident = old.Incident
		}
		if sameContent(old, in) {
			res.Unchanged++
			continue
		}
		byURL[in.SourceURL] = in
		res.Updated++
	}
	res.Total = len(byURL)

	if res.Added == 0 && res.Updated == 0 && !res.Recovered {
		logger.Debug("partition unchanged", zap.Int("total", res.Total))
		return res, nil
	}

	merged := make([]article.Record, 0, len(byURL))
	for _, r := range byURL {
		merged = append(merged, r)
	}
	sortRecords(merged)

	if err := s.writeRecords(ctx, key, merged); err != nil {
		return res, err
	}
	res.Written = true
	metrics.ObservePartitionWrite(p.Region)
	logger.Info("partition merged",
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("total", res.Total),
	)
	s.announce(ctx, res)
	return res, nil
}

// MergeAll groups records by publication month and merges each partition.
// It stops at the first failing partition.
func (s *Store) MergeAll(ctx context.Context, region string, records []article.Record) ([]MergeResult, error) {
	groups := Group(region, records)
	parts := make([]Partition, 0, len(groups))
	for p := range groups {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Key() < parts[j].Key() })

	results := make([]MergeResult, 0, len(parts))
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("merge %s: %w", p, err)
		}
		res, err := s.Merge(ctx, groups[p], p)
		if err != nil {
			return results, fmt.Errorf("merge %s: %w", p, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// WriteRecords stores records under key as a JSON array.
func (s *Store) WriteRecords(ctx context.Context, key string, records []article.Record) error {
	return s.writeRecords(ctx, key, records)
}

// ReadRecords loads a JSON array of records written by WriteRecords.
func (s *Store) ReadRecords(ctx context.Context, key string) ([]article.Record, error) {
	return s.load(ctx, key)
}

// load returns nil for a missing object and ErrPartitionCorrupt for
// undecodable content.
func (s *Store) load(ctx context.Context, key string) ([]article.Record, error) {
	data, err := s.blobs.GetObject(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var records []article.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPartitionCorrupt, key, err)
	}
	return records, nil
}

func (s *Store) writeRecords(ctx context.Context, key string, records []article.Record) error {
	if records == nil {
		records = []article.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := s.blobs.PutObject(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// quarantine keeps a copy of an unreadable partition next to it before it
// is replaced.
func (s *Store) quarantine(ctx context.Context, key string) {
	data, err := s.blobs.GetObject(ctx, key)
	if err != nil {
		return
	}
	backup := fmt.Sprintf("%s.corrupt-%d", key, s.now().Unix())
	if _, err := s.blobs.PutObject(ctx, backup, contentType, bytes.NewReader(data)); err != nil {
		s.logger.Warn("could not back up corrupt partition", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) announce(ctx context.Context, res MergeResult) {
	if s.publisher == nil {
		return
	}
	msg := PartitionUpdated{
		Region:  res.Partition.Region,
		Year:    res.Partition.Year,
		Month:   int(res.Partition.Month),
		Key:     res.Key,
		Total:   res.Total,
		Added:   res.Added,
		Updated: res.Updated,
	}
	if _, err := s.publisher.Publish(ctx, PartitionUpdatedEvent, msg); err != nil {
		s.logger.Warn("publish partition update failed", zap.String("key", res.Key), zap.Error(err))
	}
}

// sameContent compares records ignoring ingest metadata.
func sameContent(a, b article.Record) bool {
	a.IngestedAt, b.IngestedAt = time.Time{}, time.Time{}
	a.RunID, b.RunID = "", ""
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// sortRecords orders newest first, then by URL for a stable layout.
func sortRecords(records []article.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].PublishedAt.Equal(records[j].PublishedAt) {
			return records[i].PublishedAt.After(records[j].PublishedAt)
		}
		return records[i].SourceURL < records[j].SourceURL
	})
}
