package vaultfs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func TestParallelConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ParallelConfig
		wantErr bool
	}{
		{"default", DefaultParallelConfig(), false},
		{"disabled ignores fields", ParallelConfig{Enabled: false, MaxWorkers: -1}, false},
		{"negative workers", ParallelConfig{Enabled: true, MaxWorkers: -1, MinChunksForParallel: 2}, true},
		{"too many workers", ParallelConfig{Enabled: true, MaxWorkers: 2000, MinChunksForParallel: 2}, true},
		{"zero threshold", ParallelConfig{Enabled: true, MaxWorkers: 2}, true},
		{"threshold too high", ParallelConfig{Enabled: true, MaxWorkers: 2, MinChunksForParallel: 5000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestForEachChunk(t *testing.T) {
	configs := map[string]ParallelConfig{
		"sequential": {Enabled: false},
		"parallel":   {Enabled: true, MaxWorkers: 4, MinChunksForParallel: 2},
		"below min":  {Enabled: true, MaxWorkers: 4, MinChunksForParallel: 100},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			const n = 37
			var seen [n]int32
			err := cfg.forEachChunk(context.Background(), n, func(_ context.Context, i int) error {
				atomic.AddInt32(&seen[i], 1)
				return nil
			})
			if err != nil {
				t.Fatalf("forEachChunk failed: %v", err)
			}
			for i, c := range seen {
				if c != 1 {
					t.Errorf("index %d visited %d times", i, c)
				}
			}
		})
	}
}

func TestForEachChunk_Error(t *testing.T) {
	boom := errors.New("boom")
	cfg := ParallelConfig{Enabled: true, MaxWorkers: 2, MinChunksForParallel: 2}

	err := cfg.forEachChunk(context.Background(), 50, func(_ context.Context, i int) error {
		if i == 7 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("forEachChunk = %v, want boom", err)
	}
}

func TestForEachChunk_Panic(t *testing.T) {
	cfg := ParallelConfig{Enabled: true, MaxWorkers: 2, MinChunksForParallel: 2}

	err := cfg.forEachChunk(context.Background(), 10, func(_ context.Context, i int) error {
		if i == 3 {
			panic("worker exploded")
		}
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "worker exploded") {
		t.Errorf("forEachChunk = %v, want panic error", err)
	}
}

func TestForEachChunk_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, cfg := range []ParallelConfig{{Enabled: false}, {Enabled: true, MaxWorkers: 2, MinChunksForParallel: 2}} {
		err := cfg.forEachChunk(ctx, 10, func(context.Context, int) error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("forEachChunk(%+v) = %v, want context.Canceled", cfg, err)
		}
	}
}
