package loopmon

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestCollectorCountsAndPassesThrough(t *testing.T) {
	server := newFakeServer()
	m := newTestMonitor(t, nil)
	c := NewRequestCollector(m, server)
	assert.Equal(t, "requests", c.Name())

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	require.Len(t, server.middlewares, 1)

	h := server.wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Equal(t, "short and stout", rec.Body.String())
	}
	assert.Equal(t, int64(2), m.Aggregator().Counter(Requests))
	assert.NoError(t, c.Stop())
}

func TestDurationCollectorInstallsTiming(t *testing.T) {
	m := newTestMonitor(t, nil)
	c := NewDurationCollector(m)
	assert.Equal(t, "duration", c.Name())

	require.NoError(t, c.Start())
	assert.True(t, m.Instrumentor().Installed())
	assert.ErrorIs(t, c.Start(), ErrAlreadyInstalled)

	require.NoError(t, c.Stop())
	assert.False(t, m.Instrumentor().Installed())
	require.NoError(t, c.Stop())
}
