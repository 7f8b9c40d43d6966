package system_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/ai-proxy-monitor/internal/plugin/route/system"
	registryroute "github.com/chirino/ai-proxy-monitor/internal/registry/route"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestSystemRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	require.NoError(t, registryroute.Mount(r, registryroute.Management))
	status := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	require.Equal(t, http.StatusOK, status("/health"))
	require.Equal(t, http.StatusServiceUnavailable, status("/ready"))

	system.MarkReady()
	require.Equal(t, http.StatusOK, status("/ready"))

	system.SetReadinessCheck(func(context.Context) error { return errors.New("store down") })
	require.Equal(t, http.StatusServiceUnavailable, status("/ready"))

	system.SetReadinessCheck(func(context.Context) error { return nil })
	require.Equal(t, http.StatusOK, status("/ready"))

	require.Equal(t, http.StatusOK, status("/metrics"))
}
