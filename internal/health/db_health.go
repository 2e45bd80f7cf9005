package health

import (
	"sync/atomic"
)

// DBHealthChecker is the cached healthy/unhealthy verdict for the registry
// database, as last decided by Monitor's circuit breaker. The /health
// endpoint and the metrics updater read it, so the value is served from an
// atomic flag rather than a query against the registry itself. Prediction
// and load/unload requests do not consult it.
type DBHealthChecker struct {
	// 1 = healthy, 0 = unhealthy
	dbHealthy *int32
}

// NewDBHealthChecker creates a checker that starts healthy, since the
// registry pool hasn't been probed yet and reporting it degraded before the
// first check would be premature.
func NewDBHealthChecker() *DBHealthChecker {
	healthy := int32(1)
	return &DBHealthChecker{
		dbHealthy: &healthy,
	}
}

// IsHealthy reports the last verdict Monitor recorded, without touching
// the registry database. A nil checker (e.g. health monitoring disabled)
// reports healthy.
func (hc *DBHealthChecker) IsHealthy() bool {
	if hc == nil || hc.dbHealthy == nil {
		return true
	}
	return atomic.LoadInt32(hc.dbHealthy) == 1
}

// SetHealthy updates the cached verdict. Called by Monitor's circuit
// breaker after it crosses the configured consecutive-failure threshold,
// and again once a subsequent check succeeds.
func (hc *DBHealthChecker) SetHealthy(healthy bool) {
	if hc == nil || hc.dbHealthy == nil {
		return
	}

	healthValue := int32(0)
	if healthy {
		healthValue = 1
	}
	atomic.StoreInt32(hc.dbHealthy, healthValue)
}
