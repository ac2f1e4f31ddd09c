package observability

import (
	"context"
	"fmt"

	"github.com/nexus-trading/discovery/internal/scanner"
	"github.com/nexus-trading/discovery/internal/solana"
)

// ---------------------------------------------------------------------------
// Component checks for the discovery pipeline
// ---------------------------------------------------------------------------

// PoolProber reports endpoint health, normally *solana.Pool.
type PoolProber interface {
	HealthCheck(ctx context.Context) solana.PoolHealth
}

// ListenerStatser reports subscription state, normally *solana.Listener.
type ListenerStatser interface {
	Stats() solana.ListenerStats
}

// ScannerStater reports orchestrator state, normally *scanner.Scanner.
type ScannerStater interface {
	State() scanner.State
}

// PoolCheck probes every RPC endpoint: all healthy is healthy, some is
// degraded, none is unhealthy.
func PoolCheck(pool PoolProber) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		h := pool.HealthCheck(ctx)
		status := StatusDegraded
		switch {
		case h.Total > 0 && h.Healthy == h.Total:
			status = StatusHealthy
		case h.Healthy == 0:
			status = StatusUnhealthy
		}
		return ComponentHealth{
			Status:  status,
			Message: fmt.Sprintf("%d/%d RPC endpoints healthy", h.Healthy, h.Total),
			Details: map[string]any{"endpoints": h.Endpoints},
		}
	}
}

// ListenerCheck maps subscription connectivity to a status. A listener that
// is not running is still starting.
func ListenerCheck(l ListenerStatser) HealthCheck {
	return func(context.Context) ComponentHealth {
		st := l.Stats()
		total := len(st.Subscriptions)
		connected := st.Connected()

		status := StatusDegraded
		switch {
		case !st.Running:
			status = StatusStarting
		case total > 0 && connected == total:
			status = StatusHealthy
		case connected == 0:
			status = StatusUnhealthy
		}
		return ComponentHealth{
			Status:  status,
			Message: fmt.Sprintf("%d/%d subscriptions connected", connected, total),
			Details: map[string]any{
				"total_events": st.TotalEvents,
				"reconnects":   st.Reconnects,
			},
		}
	}
}

// ScannerCheck is healthy once the scanner runs and has produced results.
func ScannerCheck(s ScannerStater) HealthCheck {
	return func(context.Context) ComponentHealth {
		st := s.State()
		switch {
		case !st.IsRunning:
			return ComponentHealth{Status: StatusStarting, Message: "scanner not running"}
		case st.LastScan == nil && st.TotalDetected == 0:
			return ComponentHealth{Status: StatusStarting, Message: "waiting for first scan"}
		}
		return ComponentHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d detected, %d passed", st.TotalDetected, st.TotalPassed),
		}
	}
}
