package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.SecurityCheck("has_permission", true, time.Millisecond)
	m.SecurityCheck("has_permission", false, time.Millisecond)
	m.SecurityCheck("has_permission", false, time.Millisecond)
	m.BlobOp("promote", nil)
	m.BlobOp("delete", errors.New("gone"))
	m.IndexUpdate("default", "changed", 3)
	m.IndexUpdate("default", "deleted", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.permissionChecks.WithLabelValues("has_permission", "allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.permissionChecks.WithLabelValues("has_permission", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blobOps.WithLabelValues("delete", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.indexUpdates.WithLabelValues("default", "changed")))

	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SecurityCheck("has_role", true, 0)
		m.AuditEntry("creation")
		m.AuditFailure()
		m.BlobOp("promote", nil)
		m.IndexUpdate("default", "changed", 1)
		m.Task("index_update", "ok")
	})
	assert.Nil(t, m.Registry())
}
