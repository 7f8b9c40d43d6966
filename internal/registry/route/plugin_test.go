package route

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	mu.Lock()
	saved := plugins
	plugins = nil
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		plugins = saved
		mu.Unlock()
	})
}

func TestMount_SelectsSurfaceInOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	isolate(t)
	var mounted []string
	plugin := func(name string, order int, surface Surface) Plugin {
		return Plugin{Order: order, Surface: surface, Mount: func(r *gin.Engine) error {
			mounted = append(mounted, name)
			r.GET("/"+name, func(c *gin.Context) { c.Status(http.StatusOK) })
			return nil
		}}
	}
	Register(plugin("late", 20, API))
	Register(plugin("status", 0, Management))
	Register(plugin("early", 10, API))

	r := gin.New()
	require.NoError(t, Mount(r, API))
	require.Equal(t, []string{"early", "late"}, mounted)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusNotFound, w.Code, "management routes stay off the api surface")

	mounted = nil
	require.NoError(t, Mount(gin.New(), Management))
	require.Equal(t, []string{"status"}, mounted)
}

func TestMount_ReportsFailingPlugin(t *testing.T) {
	isolate(t)
	Register(Plugin{Order: 99, Surface: Management, Mount: func(*gin.Engine) error { return errors.New("boom") }})
	err := Mount(gin.New(), Management)
	require.ErrorContains(t, err, "management routes: boom")
}
