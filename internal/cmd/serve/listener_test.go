package serve

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/stretchr/testify/require"
)

func TestListen_ServesPlainAndTLSOnOnePort(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			_, _ = io.WriteString(w, "https")
			return
		}
		_, _ = io.WriteString(w, "http")
	})
	l, err := Listen(config.ListenerConfig{EnablePlainText: true, EnableTLS: true}, handler)
	require.NoError(t, err)
	defer func() { _ = l.Close(context.Background()) }()
	require.NotZero(t, l.Port)

	get := func(client *http.Client, url string) string {
		resp, err := client.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	insecure := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}

	require.Equal(t, "http", get(http.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/", l.Port)))
	require.Equal(t, "https", get(insecure, fmt.Sprintf("https://127.0.0.1:%d/", l.Port)))
}

func TestListen_RequiresAProtocol(t *testing.T) {
	_, err := Listen(config.ListenerConfig{}, http.NotFoundHandler())
	require.Error(t, err)
}

func TestListener_CloseIsIdempotent(t *testing.T) {
	l, err := Listen(config.ListenerConfig{EnablePlainText: true}, http.NotFoundHandler())
	require.NoError(t, err)
	require.NoError(t, l.Close(context.Background()))
	require.NoError(t, l.Close(context.Background()))
}
