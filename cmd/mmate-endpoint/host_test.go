package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/transports/inmemory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseConfig(t *testing.T, content string) *config.File {
	t.Helper()
	f, err := config.Parse(content)
	require.NoError(t, err)
	return f
}

func TestNewTransport(t *testing.T) {
	f := parseConfig(t, "[endpoint]\nname = \"sales\"\n")

	transport, err := newTransport(context.Background(), f, quietLogger())
	require.NoError(t, err)
	defer transport.Close()

	assert.IsType(t, &inmemory.Transport{}, transport)
}

func TestHost(t *testing.T) {
	t.Run("bolt persistence and metrics", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sales.db")
		f := parseConfig(t, `
[endpoint]
name = "sales"
duplicate_cache_size = 100

[persistence]
kind = "bolt"
path = "`+filepath.ToSlash(path)+`"

[metrics]
enabled = true
address = "127.0.0.1:0"
`)

		h, err := newHost(context.Background(), f, quietLogger())
		require.NoError(t, err)
		require.NotNil(t, h.db)
		require.NotNil(t, h.registry)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.run(ctx) }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("host did not stop")
		}

		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("health reflects the bus", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sales.db")
		f := parseConfig(t, `
[endpoint]
name = "sales"

[persistence]
kind = "bolt"
path = "`+filepath.ToSlash(path)+`"
`)

		h, err := newHost(context.Background(), f, quietLogger())
		require.NoError(t, err)
		defer h.shutdown(nil)

		check := func() (int, health.Report) {
			rec := httptest.NewRecorder()
			h.health.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			var report health.Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			return rec.Code, report
		}

		code, report := check()
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, health.StatusUnhealthy, report.Status)

		require.NoError(t, h.bus.Start(context.Background()))
		code, report = check()
		assert.Equal(t, http.StatusOK, code)

		names := make([]string, 0, len(report.Checks))
		for _, c := range report.Checks {
			names = append(names, c.Name)
		}
		assert.Contains(t, names, "timeouts")
		assert.Contains(t, names, "bus")
	})

	t.Run("invalid local address", func(t *testing.T) {
		f := parseConfig(t, "[endpoint]\nname = \"sales\"\n")
		f.Routing.LocalAddress = "a@b@c"

		_, err := newHost(context.Background(), f, quietLogger())
		assert.Error(t, err)
	})
}

func TestCommands(t *testing.T) {
	t.Run("version", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"version"})

		require.NoError(t, cmd.Execute())
		assert.True(t, strings.HasPrefix(out.String(), "mmate-endpoint dev"))
	})

	t.Run("validate prints the resolved configuration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mmate.toml")
		require.NoError(t, os.WriteFile(path, []byte("[endpoint]\nname = \"sales\"\n"), 0o644))

		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"validate", "--config", path})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), `local_address = "sales"`)
		assert.Contains(t, out.String(), `kind = "memory"`)
	})

	t.Run("validate fails on a bad file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mmate.toml")
		require.NoError(t, os.WriteFile(path, []byte("[endpoint]\nworkers = 2\n"), 0o644))

		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"validate", "--config", path})

		assert.ErrorIs(t, cmd.Execute(), config.ErrInvalidConfig)
	})
}
