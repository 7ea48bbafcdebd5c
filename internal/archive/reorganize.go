package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage"
)

// ReorganizeResult reports a flat file redistribution.
type ReorganizeResult struct {
	Partitions []MergeResult
	Moved      int
	// Dropped counts records without a parseable year and month.
	Dropped int
}

// Reorganize redistributes the records of a flat file into monthly
// partitions by each record's own publication month, then deletes the flat
// file. On any merge failure the flat file is left in place for a retry.
func (s *Store) Reorganize(ctx context.Context, flatKey, region string) (ReorganizeResult, error) {
	var res ReorganizeResult
	logger := s.logger.With(zap.String("flat", flatKey), zap.String("region", region))

	data, err := s.blobs.GetObject(ctx, flatKey)
	if err != nil {
		return res, fmt.Errorf("reorganize %s: %w", flatKey, err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return res, fmt.Errorf("reorganize %s: %w: %w", flatKey, ErrPartitionCorrupt, err)
	}

	groups := make(map[Partition][]article.Record)
	for i, msg := range raw {
		p, rec, ok := decodeDated(region, msg)
		if !ok {
			res.Dropped++
			logger.Warn("dropping record without usable publication date", zap.Int("index", i))
			continue
		}
		groups[p] = append(groups[p], rec)
		res.Moved++
	}

	parts := make([]Partition, 0, len(groups))
	for p := range groups {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Key() < parts[j].Key() })

	for _, p := range parts {
		mr, err := s.Merge(ctx, groups[p], p)
		if err != nil {
			return res, fmt.Errorf("reorganize %s into %s: %w", flatKey, p, err)
		}
		res.Partitions = append(res.Partitions, mr)
	}

	if err := s.blobs.DeleteObject(ctx, flatKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("remove flat file %s: %w", flatKey, err)
	}
	logger.Info("flat file reorganized",
		zap.Int("moved", res.Moved),
		zap.Int("dropped", res.Dropped),
		zap.Int("partitions", len(res.Partitions)),
	)
	return res, nil
}

// decodeDated reads a record whose published_at starts with YYYY-MM.
func decodeDated(region string, msg json.RawMessage) (Partition, article.Record, bool) {
	var head struct {
		PublishedAt string `json:"published_at"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return Partition{}, article.Record{}, false
	}
	p, ok := partitionFromDate(region, head.PublishedAt)
	if !ok {
		return Partition{}, article.Record{}, false
	}
	var rec article.Record
	if err := json.Unmarshal(msg, &rec); err != nil || rec.PublishedAt.IsZero() {
		return Partition{}, article.Record{}, false
	}
	return p, rec, true
}

// WriteScratch stores one chunk's records under its scratch key.
func (s *Store) WriteScratch(ctx context.Context, key string, records []article.Record) error {
	return s.writeRecords(ctx, key, records)
}

// MergeScratch merges the given scratch files into partitions and deletes
// them afterwards. Unreadable scratch files are skipped, reported in the
// returned list and left in place.
func (s *Store) MergeScratch(ctx context.Context, region string, keys []string) ([]MergeResult, []string, error) {
	var (
		all     []article.Record
		used    []string
		skipped []string
	)
	for _, key := range keys {
		recs, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("skipping scratch output", zap.String("key", key), zap.Error(err))
			skipped = append(skipped, key)
			continue
		}
		all = append(all, recs...)
		used = append(used, key)
	}

	results, err := s.MergeAll(ctx, region, all)
	if err != nil {
		return results, skipped, err
	}
	for _, key := range used {
		if err := s.blobs.DeleteObject(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("could not remove scratch output", zap.String("key", key), zap.Error(err))
		}
	}
	return results, skipped, nil
}
