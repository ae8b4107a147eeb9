// Package bloom implements the membership pre-filter used to skip indexing
// work for values already seen. False positives only cause a value to be
// skipped for indexing, never lost: the graph store remains the source of
// truth.
package bloom

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/kvstore"
)

const (
	// DefaultBits is the default size of the backing bit array.
	DefaultBits = 10_000_000
	// DefaultHashes is the default number of hash positions per value.
	DefaultHashes = 7

	// MaxIndexableLength rejects pathologically long values; anything past
	// it is noise for identity matching.
	MaxIndexableLength = 1000

	// lowSignalIntBound: integers in (-bound, bound) are rejected by
	// ShouldIndex as low-signal, high-collision values.
	lowSignalIntBound = 100
)

// Filter is a Redis-bit-array-backed bloom filter. Add and Contains are
// idempotent unions, so concurrent writers racing on the same value are
// safe without locking.
type Filter struct {
	store  kvstore.Store
	key    string
	bits   int64
	hashes int
	logger *zap.Logger

	itemsAdded atomic.Int64
}

// Config controls filter sizing. Zero values fall back to defaults.
type Config struct {
	// Key is the fixed bit-array key for this tenant namespace.
	Key    string
	Bits   int64
	Hashes int
}

// Stats reports filter fill observability.
type Stats struct {
	ItemsAdded int64   `json:"items_added"`
	BitsSet    int64   `json:"bits_set"`
	FillRatio  float64 `json:"fill_ratio"`

	// EstimatedFalsePositiveRate is fillRatio^hashes. This is a documented
	// approximation of the exact bloom formula; it is used only for
	// observability, never for correctness decisions.
	EstimatedFalsePositiveRate float64 `json:"estimated_false_positive_rate"`
}

// New creates a filter over the given store.
func New(store kvstore.Store, cfg Config, logger *zap.Logger) *Filter {
	if cfg.Bits <= 0 {
		cfg.Bits = DefaultBits
	}
	if cfg.Hashes <= 0 {
		cfg.Hashes = DefaultHashes
	}
	if cfg.Key == "" {
		cfg.Key = "bloom:default"
	}
	return &Filter{
		store:  store,
		key:    cfg.Key,
		bits:   cfg.Bits,
		hashes: cfg.Hashes,
		logger: logger.Named("bloom"),
	}
}

// ShouldIndex reports whether a value is worth tracking at all. Empty or
// whitespace-only strings, boolean literals, single characters, integers in
// (-100, 100), and values longer than MaxIndexableLength are all rejected
// to keep the fill ratio low and the false-positive rate predictable.
func ShouldIndex(value string) bool {
	s := strings.TrimSpace(value)
	if len(s) < 2 || len(s) > MaxIndexableLength {
		return false
	}
	switch strings.ToLower(s) {
	case "true", "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > -lowSignalIntBound && n < lowSignalIntBound {
			return false
		}
	}
	return true
}

// positions computes the k bit positions for a value.
func (f *Filter) positions(value string) []int64 {
	normalized := strings.ToLower(strings.TrimSpace(value))
	out := make([]int64, f.hashes)
	for i := 0; i < f.hashes; i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(normalized + ":" + strconv.Itoa(i)))
		out[i] = int64(h.Sum64() % uint64(f.bits))
	}
	return out
}

// Add records a value. Values failing ShouldIndex are silently ignored.
func (f *Filter) Add(ctx context.Context, value string) error {
	return f.AddBatch(ctx, []string{value})
}

// AddBatch records many values; all bit writes for the call go to the store
// in one pipelined round trip.
func (f *Filter) AddBatch(ctx context.Context, values []string) error {
	var positions []int64
	added := int64(0)
	for _, v := range values {
		if !ShouldIndex(v) {
			continue
		}
		positions = append(positions, f.positions(v)...)
		added++
	}
	if len(positions) == 0 {
		return nil
	}
	if err := f.store.SetBits(ctx, f.key, positions); err != nil {
		return fmt.Errorf("bloom add batch: %w", err)
	}
	f.itemsAdded.Add(added)
	return nil
}

// Contains reports whether a value may have been added. May false-positive,
// never false-negative. Values failing ShouldIndex report false.
func (f *Filter) Contains(ctx context.Context, value string) (bool, error) {
	if !ShouldIndex(value) {
		return false, nil
	}
	bits, err := f.store.GetBits(ctx, f.key, f.positions(value))
	if err != nil {
		return false, fmt.Errorf("bloom contains: %w", err)
	}
	for _, b := range bits {
		if !b {
			return false, nil
		}
	}
	return true, nil
}

// ContainsBatch checks many values in one pipelined round trip. The result
// is position-aligned with the input.
func (f *Filter) ContainsBatch(ctx context.Context, values []string) ([]bool, error) {
	var positions []int64
	checkable := make([]bool, len(values))
	for i, v := range values {
		if ShouldIndex(v) {
			checkable[i] = true
			positions = append(positions, f.positions(v)...)
		}
	}
	out := make([]bool, len(values))
	if len(positions) == 0 {
		return out, nil
	}
	bits, err := f.store.GetBits(ctx, f.key, positions)
	if err != nil {
		return nil, fmt.Errorf("bloom contains batch: %w", err)
	}
	offset := 0
	for i := range values {
		if !checkable[i] {
			continue
		}
		all := true
		for j := 0; j < f.hashes; j++ {
			if !bits[offset+j] {
				all = false
			}
		}
		out[i] = all
		offset += f.hashes
	}
	return out, nil
}

// Clear resets the filter.
func (f *Filter) Clear(ctx context.Context) error {
	if err := f.store.Delete(ctx, f.key); err != nil {
		return fmt.Errorf("bloom clear: %w", err)
	}
	f.itemsAdded.Store(0)
	f.logger.Info("bloom filter cleared", zap.String("key", f.key))
	return nil
}

// Stats reports fill observability for this filter.
func (f *Filter) Stats(ctx context.Context) (*Stats, error) {
	bitsSet, err := f.store.BitCount(ctx, f.key)
	if err != nil {
		return nil, fmt.Errorf("bloom stats: %w", err)
	}
	fill := float64(bitsSet) / float64(f.bits)
	return &Stats{
		ItemsAdded:                 f.itemsAdded.Load(),
		BitsSet:                    bitsSet,
		FillRatio:                  fill,
		EstimatedFalsePositiveRate: math.Pow(fill, float64(f.hashes)),
	}, nil
}
