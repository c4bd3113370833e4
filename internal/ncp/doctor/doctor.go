// Package doctor builds a diagnostic snapshot of a running (or just
// attached) mesh: per-endpoint connection state, health status, and
// failure counts, plus discovery index sizing. It renders nothing itself
// — callers (the "ncp doctor" CLI subcommand) decide how to print it.
package doctor

import (
	"sort"
	"time"

	"github.com/ncp-mesh/ncp/internal/ncp/discovery"
	"github.com/ncp-mesh/ncp/internal/ncp/health"
	"github.com/ncp-mesh/ncp/internal/ncp/pool"
	"github.com/ncp-mesh/ncp/internal/ncp/profile"
)

// EndpointReport is one endpoint's line in a diagnostic report.
type EndpointReport struct {
	Name      string
	Transport profile.TransportKind
	State     pool.State
	Health    health.Status
	Failures  int
}

// Report is the full diagnostic snapshot produced by Build.
type Report struct {
	Endpoints       []EndpointReport
	TotalTools      int
	EndpointCount   int
	LastRebuildTime time.Time
}

// Build inspects the pool, health monitor, and discovery index for the
// given endpoints and assembles a Report, sorted by endpoint name.
func Build(endpoints []profile.Endpoint, p *pool.Pool, h *health.Monitor, idx *discovery.Index) Report {
	reports := make([]EndpointReport, 0, len(endpoints))
	for _, ep := range endpoints {
		state, _ := p.State(ep.Name)
		reports = append(reports, EndpointReport{
			Name:      ep.Name,
			Transport: ep.TransportKind,
			State:     state,
			Health:    h.Status(ep.Name),
			Failures:  p.Failures(ep.Name),
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })

	stats := idx.Stats()
	return Report{
		Endpoints:       reports,
		TotalTools:      stats.TotalTools,
		EndpointCount:   len(stats.PerEndpoint),
		LastRebuildTime: stats.LastRebuildTime,
	}
}

// Unhealthy returns the subset of the report whose endpoints are not
// healthy (disabled, unhealthy, or degraded), useful for a terse summary
// line ("2 of 5 endpoints need attention").
func (r Report) Unhealthy() []EndpointReport {
	var out []EndpointReport
	for _, e := range r.Endpoints {
		if e.Health != health.StatusHealthy && e.Health != health.StatusUnknown {
			out = append(out, e)
		}
	}
	return out
}
