package health

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/inference-server/internal/testhelpers"
)

// fakeDBManager implements DBManager for testing.
type fakeDBManager struct {
	healthy bool
}

func (m *fakeDBManager) IsHealthy() bool      { return m.healthy }
func (m *fakeDBManager) Stats() *pgxpool.Stat { return nil }

var _ DBManager = (*fakeDBManager)(nil)

func TestNewMonitor_Defaults(t *testing.T) {
	hc := NewDBHealthChecker()
	db := &fakeDBManager{healthy: true}

	// nil config → defaults
	m := NewMonitor(nil, hc, db)
	require.NotNil(t, m)
	assert.Equal(t, 30*time.Second, m.config.CheckInterval)
	assert.Equal(t, int32(3), m.config.FailureThreshold)
}

func TestCheckHealth_HealthyTransition(t *testing.T) {
	hc := NewDBHealthChecker()
	db := &fakeDBManager{healthy: false}
	logger := testhelpers.NewTestLogger()

	m := NewMonitor(&MonitorConfig{
		CheckInterval:    time.Second,
		FailureThreshold: 3,
		Logger:           logger,
	}, hc, db)

	// Initially healthy
	assert.True(t, hc.IsHealthy())

	// After 1 failure, still healthy (threshold=3)
	m.checkHealth()
	assert.True(t, hc.IsHealthy(), "should stay healthy after 1 failure (threshold=3)")

	// After 3 failures, unhealthy
	m.checkHealth() // 2nd
	m.checkHealth() // 3rd
	assert.False(t, hc.IsHealthy(), "should be unhealthy after 3 failures")

	// Recovery
	db.healthy = true
	m.checkHealth()
	assert.True(t, hc.IsHealthy(), "should recover when DB is healthy again")
}

func TestCheckHealth_CircuitBreaker(t *testing.T) {
	hc := NewDBHealthChecker()
	db := &fakeDBManager{healthy: false}

	m := NewMonitor(&MonitorConfig{
		CheckInterval:    time.Second,
		FailureThreshold: 2,
		Logger:           slog.Default(),
	}, hc, db)

	// 2 failures → circuit breaker engaged
	m.checkHealth()
	m.checkHealth()
	assert.False(t, hc.IsHealthy(), "circuit breaker should engage after threshold")

	// Stats should reflect failures
	stats := m.Stats()
	assert.False(t, stats.IsHealthy)
	assert.Equal(t, int32(2), stats.ConsecutiveFailures)
}
