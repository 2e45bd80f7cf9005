package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDBHealthChecker_StartsHealthy(t *testing.T) {
	hc := NewDBHealthChecker()
	assert.True(t, hc.IsHealthy(), "new checker should start healthy before the first registry probe")
}

func TestDBHealthChecker_SetHealthy(t *testing.T) {
	hc := NewDBHealthChecker()
	assert.True(t, hc.IsHealthy())

	hc.SetHealthy(false)
	assert.False(t, hc.IsHealthy())

	hc.SetHealthy(true)
	assert.True(t, hc.IsHealthy())
}

func TestDBHealthChecker_NilSafety(t *testing.T) {
	t.Run("nil_receiver", func(t *testing.T) {
		var hc *DBHealthChecker
		assert.True(t, hc.IsHealthy(), "nil checker defaults to healthy")
		hc.SetHealthy(false)
		hc.SetHealthy(true)
	})

	t.Run("nil_dbHealthy", func(t *testing.T) {
		hc := &DBHealthChecker{dbHealthy: nil}
		assert.True(t, hc.IsHealthy(), "nil flag defaults to healthy")
		hc.SetHealthy(false)
	})
}
