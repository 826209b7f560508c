package service

import (
	"context"
	"time"

	"github.com/iago/converter-saas-back/internal/codec"
)

const healthTimeout = 3 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthDependencies struct {
	Database Pinger
	Queue    Pinger
	// Binaries maps a tool name to the path or name of its executable.
	Binaries map[string]string
}

type HealthReport struct {
	Status   string          `json:"status"`
	Mode     string          `json:"mode"`
	Database bool            `json:"database"`
	Queue    bool            `json:"queue"`
	Tools    map[string]bool `json:"tools"`
}

// Health is degraded when any dependency is missing. Only a database outage makes the
// service unable to accept work.
func (s *ConversionService) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	report := HealthReport{
		Status:   "healthy",
		Mode:     string(s.strategy.Mode()),
		Database: ping(ctx, s.health.Database),
		Queue:    ping(ctx, s.health.Queue),
		Tools:    make(map[string]bool, len(s.health.Binaries)),
	}
	healthy := report.Database && report.Queue
	for name, binary := range s.health.Binaries {
		report.Tools[name] = codec.Available(binary)
		healthy = healthy && report.Tools[name]
	}
	if !healthy {
		report.Status = "degraded"
	}
	return report
}

func ping(ctx context.Context, target Pinger) bool {
	if target == nil {
		return true
	}
	return target.Ping(ctx) == nil
}
