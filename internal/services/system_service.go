package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/rrgs/catalog-api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// DependencyProbe checks one backing dependency during a health report.
// A probe exceeding its timeout marks the dependency as errored; any other
// failure marks it degraded.
type DependencyProbe struct {
	Name    string
	Timeout time.Duration
	Probe   func(ctx context.Context) error
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	Probes []DependencyProbe
	Clock  func() time.Time
	Build  BuildInfo
}

type systemService struct {
	probes []DependencyProbe
	clock  func() time.Time
	build  BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the health reporter over the given dependency probes.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if len(deps.Probes) == 0 {
		return nil, errors.New("system service: at least one dependency probe is required")
	}
	for _, probe := range deps.Probes {
		if probe.Name == "" || probe.Probe == nil {
			return nil, errors.New("system service: dependency probe needs a name and a probe function")
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		probes: append([]DependencyProbe(nil), deps.Probes...),
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

// HealthReport runs every dependency probe concurrently and aggregates the
// outcomes. The report status is the worst individual probe status.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	checks := make(map[string]domain.SystemHealthCheck, len(s.probes))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, probe := range s.probes {
		wg.Add(1)
		go func(probe DependencyProbe) {
			defer wg.Done()
			check := s.runProbe(ctx, probe)
			mu.Lock()
			checks[probe.Name] = check
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	now := s.clock()
	return SystemHealthReport{
		Status:      worstStatus(checks),
		Checks:      checks,
		Version:     s.build.Version,
		Environment: s.build.Environment,
		Uptime:      now.Sub(s.build.StartedAt),
		GeneratedAt: now,
	}, nil
}

func (s *systemService) runProbe(ctx context.Context, probe DependencyProbe) domain.SystemHealthCheck {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.clock()
	err := probe.Probe(probeCtx)
	checkedAt := s.clock()

	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   checkedAt.Sub(start),
		CheckedAt: checkedAt,
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		check.Status = domain.HealthStatusError
		check.Detail = "timeout"
		check.Error = err.Error()
	case errors.Is(err, context.Canceled):
		check.Status = domain.HealthStatusError
		check.Detail = "cancelled"
		check.Error = err.Error()
	default:
		check.Status = domain.HealthStatusDegraded
		check.Detail = err.Error()
		check.Error = err.Error()
	}
	return check
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
