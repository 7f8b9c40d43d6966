package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	app := &cli.Command{
		Name:     "ai-proxy-monitor",
		Writer:   &out,
		Commands: []*cli.Command{Command(), InitCommand()},
	}
	err := app.Run(context.Background(), append([]string{"ai-proxy-monitor"}, args...))
	if err != nil {
		return nil, err
	}
	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &body), out.String())
	return body, nil
}

func TestInitCommand(t *testing.T) {
	body, err := run(t, "init", "--db-kind", "memory", "--log-level", "error")
	require.NoError(t, err)
	require.Equal(t, true, body["created"])
	require.Equal(t, "Index created successfully", body["message"])
}

func TestSyncCommand_MissingMessagesIndexFails(t *testing.T) {
	// A fresh in-memory store has no messages to aggregate.
	_, err := run(t, "sync", "--db-kind", "memory", "--log-level", "error")
	require.Error(t, err)
}

func TestSyncCommand_RequiresDBURL(t *testing.T) {
	_, err := run(t, "sync", "--db-kind", "mongo", "--log-level", "error")
	require.ErrorContains(t, err, "--db-url is required")
}
