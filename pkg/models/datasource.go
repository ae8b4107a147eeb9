package models

import (
	"strconv"
	"time"
)

// ReloadIntervalMetadataKey is the datasource metadata key carrying an
// explicit per-source reload interval in seconds.
const ReloadIntervalMetadataKey = "reload_interval"

// DataSourceInfo describes one ingestion source. Owned by the scheduler
// and the ingestor that writes it.
type DataSourceInfo struct {
	DatasourceID string `json:"datasource_id"`

	// LastUpdated is epoch seconds of the last completed sync, 0 when the
	// source has never synced.
	LastUpdated int64 `json:"last_updated,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// ReloadInterval returns the datasource's explicit reload interval, or
// fallback when the metadata is absent or unparseable. The fallback must
// be the system-wide default reload interval, not the scheduler's polling
// interval; conflating the two causes immediate repeated re-syncs.
func (d *DataSourceInfo) ReloadInterval(fallback time.Duration) time.Duration {
	raw, ok := d.Metadata[ReloadIntervalMetadataKey]
	if !ok {
		return fallback
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// NeverSynced reports whether the datasource has no recorded sync yet.
func (d *DataSourceInfo) NeverSynced() bool {
	return d.LastUpdated == 0
}
