package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/graphweave/graphweave-engine/pkg/config"
	"github.com/graphweave/graphweave-engine/pkg/models"
)

type fakeLister struct {
	datasources []*models.DataSourceInfo
	err         error
}

func (f *fakeLister) ListDatasources(ctx context.Context) ([]*models.DataSourceInfo, error) {
	return f.datasources, f.err
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollIntervalSeconds:          60,
		DefaultReloadIntervalSeconds: 24 * 3600,
		MinSyncIntervalSeconds:       60,
		MaxSyncIntervalSeconds:       24 * 3600,
	}
}

func newTestScheduler(now time.Time) *Scheduler {
	s := NewScheduler(testSchedulerConfig(), zap.NewNop())
	s.SetNowFunc(func() time.Time { return now })
	return s
}

func TestScheduler_CalculateNextSyncTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name        string
		lister      *fakeLister
		wantSleep   int
		wantHasData bool
	}{
		{
			name:        "no datasources backs off at max",
			lister:      &fakeLister{},
			wantSleep:   24 * 3600,
			wantHasData: false,
		},
		{
			name:        "listing failure backs off at max",
			lister:      &fakeLister{err: errors.New("connection refused")},
			wantSleep:   24 * 3600,
			wantHasData: false,
		},
		{
			name: "never synced is due immediately",
			lister: &fakeLister{datasources: []*models.DataSourceInfo{
				{DatasourceID: "ds-1"},
			}},
			wantSleep:   0,
			wantHasData: true,
		},
		{
			name: "past reload window is due immediately",
			lister: &fakeLister{datasources: []*models.DataSourceInfo{
				{
					DatasourceID: "ds-1",
					LastUpdated:  now.Add(-25 * time.Hour).Unix(),
				},
			}},
			wantSleep:   0,
			wantHasData: true,
		},
		{
			name: "default reload interval, not the polling interval",
			lister: &fakeLister{datasources: []*models.DataSourceInfo{
				{
					DatasourceID: "ds-1",
					LastUpdated:  now.Add(-time.Hour).Unix(),
				},
			}},
			// Synced 1h ago with a 24h default: sleep ~23h, not 0.
			wantSleep:   23 * 3600,
			wantHasData: true,
		},
		{
			name: "explicit reload interval from metadata",
			lister: &fakeLister{datasources: []*models.DataSourceInfo{
				{
					DatasourceID: "ds-1",
					LastUpdated:  now.Add(-10 * time.Minute).Unix(),
					Metadata:     map[string]string{models.ReloadIntervalMetadataKey: "1800"},
				},
			}},
			wantSleep:   20 * 60,
			wantHasData: true,
		},
		{
			name: "short remaining window clamps up to min",
			lister: &fakeLister{datasources: []*models.DataSourceInfo{
				{
					DatasourceID: "ds-1",
					LastUpdated:  now.Add(-290 * time.Second).Unix(),
					Metadata:     map[string]string{models.ReloadIntervalMetadataKey: "300"},
				},
			}},
			wantSleep:   60,
			wantHasData: true,
		},
		{
			name: "huge reload interval clamps down to max",
			lister: &fakeLister{datasources: []*models.DataSourceInfo{
				{
					DatasourceID: "ds-1",
					LastUpdated:  now.Unix(),
					Metadata:     map[string]string{models.ReloadIntervalMetadataKey: "604800"},
				},
			}},
			wantSleep:   24 * 3600,
			wantHasData: true,
		},
		{
			name: "minimum across datasources wins",
			lister: &fakeLister{datasources: []*models.DataSourceInfo{
				{
					DatasourceID: "ds-slow",
					LastUpdated:  now.Unix(),
				},
				{
					DatasourceID: "ds-fast",
					LastUpdated:  now.Add(-10 * time.Minute).Unix(),
					Metadata:     map[string]string{models.ReloadIntervalMetadataKey: "1800"},
				},
			}},
			wantSleep:   20 * 60,
			wantHasData: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(now)
			sleep, hasData := s.CalculateNextSyncTime(context.Background(), tt.lister)
			assert.Equal(t, tt.wantSleep, sleep)
			assert.Equal(t, tt.wantHasData, hasData)
		})
	}
}

func TestScheduler_SleepAlwaysWithinBounds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testSchedulerConfig()

	offsets := []time.Duration{
		-100 * time.Hour, -24 * time.Hour, -time.Hour, -time.Minute, 0,
	}
	for _, offset := range offsets {
		s := newTestScheduler(now)
		lister := &fakeLister{datasources: []*models.DataSourceInfo{
			{DatasourceID: "ds-1", LastUpdated: now.Add(offset).Unix()},
		}}
		sleep, hasData := s.CalculateNextSyncTime(context.Background(), lister)
		assert.True(t, hasData)
		if sleep != 0 {
			assert.GreaterOrEqual(t, sleep, cfg.MinSyncIntervalSeconds, "offset %v", offset)
			assert.LessOrEqual(t, sleep, cfg.MaxSyncIntervalSeconds, "offset %v", offset)
		}
	}
}
