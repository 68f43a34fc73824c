package brainmessenger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.refresh("ok")
		m.transition(SessionAuthenticated)
		m.profileWrite(FieldBio, "ok", 0.1)
		m.reload()
		m.outbox("sent", 0)
	})
}

func TestMetricsRecordActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	profiles := newFakeProfiles(existingProfile())
	profiles.setFail(FieldBio, &APIError{Status: 422, Message: "nope"})
	e, _ := loadedEngine(t, profiles, &SettingsOptions{Metrics: metrics})

	require.NoError(t, e.SetDisplayName("Countess"))
	require.NoError(t, e.SetBio("rejected"))
	require.NoError(t, e.Flush(context.Background()))

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ProfileWrites.WithLabelValues("display_name", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ProfileWrites.WithLabelValues("bio", "error")))

	sender := &fakeSender{}
	q := NewOfflineQueue(sender, &OfflineOptions{Metrics: metrics, StartOffline: true})
	defer q.Close()
	q.Enqueue(outgoing("A"))
	q.Enqueue(outgoing("B"))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.OutboxDepth))

	q.mu.Lock()
	q.isOnline = true
	q.mu.Unlock()
	_, err := q.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.OutboxMessages.WithLabelValues("sent")))
	require.Zero(t, testutil.ToFloat64(metrics.OutboxDepth))

	n, err := testutil.GatherAndCount(reg, "brain_profile_writes_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
