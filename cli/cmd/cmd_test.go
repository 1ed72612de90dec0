package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issdata/telemetry-stack/cli/internal/config"
)

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{"submit": false, "status": false, "health": false, "admin": false, "profile": false}
	for _, c := range rootCmd.Commands() {
		name := strings.Fields(c.Use)[0]
		if _, ok := expected[name]; ok {
			expected[name] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected command '%s' to be registered with root command", name)
		}
	}

	admin := map[string]bool{}
	for _, c := range adminCmd.Commands() {
		admin[c.Name()] = true
	}
	for _, name := range []string{"outages", "dlq", "fail", "recover"} {
		if !admin[name] {
			t.Errorf("expected admin subcommand '%s'", name)
		}
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg = config.Default()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		for _, f := range []string{"item", "json", "value", "wait"} {
			submitCmd.Flags().Lookup(f).Changed = false
			_ = submitCmd.Flags().Set(f, submitCmd.Flags().Lookup(f).DefValue)
		}
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSubmitCommand(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		body = buf.String()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"enqueued","event_id":"abc"}`))
	}))
	defer server.Close()

	out, err := run(t, "submit", "--ingest-url", server.URL, "--item", "USLAB000061", "--value", "21.5")
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued abc")
	assert.Contains(t, body, `"item_id":"USLAB000061"`)
	assert.Contains(t, body, `"value":"21.5"`)
	assert.NotContains(t, body, "status_class", "unset optional fields are omitted")
}

func TestSubmitCommand_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"validation_rejected","reason":"invalid_timestamp"}`))
	}))
	defer server.Close()

	_, err := run(t, "submit", "--ingest-url", server.URL, "--json", `{"item_id":"X"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_timestamp")
}

func TestSubmitCommand_RequiresInput(t *testing.T) {
	_, err := run(t, "submit", "--ingest-url", "http://127.0.0.1:1")
	assert.EqualError(t, err, "either --item or --json is required")
}

func TestHealthCommand(t *testing.T) {
	color.NoColor = true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"degraded","version":"1.2.0","uptime_seconds":90,"feed_state":"reconnecting","breaker":{"state":"closed"}}`))
	}))
	defer server.Close()

	out, err := run(t, "health", "--ingest-url", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "reconnecting")
	assert.Contains(t, out, "degraded")
}
