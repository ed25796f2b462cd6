package debug_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/km-arc/go-symfony/framework/container"
	"github.com/km-arc/go-symfony/framework/debug"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type widget struct{}

func newServer(t *testing.T, env map[string]string) *debug.Server {
	t.Helper()
	b := container.NewBuilder(container.WithEnvLookup(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}))
	require.NoError(t, b.RegisterClass(container.Class{
		Name: "app.Widget",
		New:  func([]any) (any, error) { return &widget{}, nil },
	}))
	require.NoError(t, b.SetParameter("dsn", "%env(DSN)%"))
	require.NoError(t, b.SetParameter("retries", 3))
	require.NoError(t, b.SetParameter("kernel.secret", "%env(APP_SECRET)%"))

	reg := func(id string, d *container.Definition) {
		_, err := b.Register(id, d)
		require.NoError(t, err)
	}
	reg("transport", container.NewDefinition("app.Widget", "%dsn%").SetLazy(true).
		AddTag("mailer.transport", container.Attributes{"alias": "smtp"}))
	reg("mailer", container.NewDefinition("app.Widget", container.Ref("transport")).SetPublic(true).
		AddTag("mailer.transport", nil).AddTag("kernel.reset", nil))
	alias, err := b.SetAlias("mail", "mailer")
	require.NoError(t, err)
	alias.Public = true

	c, err := b.Compile()
	require.NoError(t, err)
	return debug.New(c, nil)
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func get(t *testing.T, s http.Handler, target string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

// ── Services ─────────────────────────────────────────────────────────────────

func TestServices(t *testing.T) {
	s := newServer(t, map[string]string{"DSN": "smtp://localhost"})

	tests := []struct {
		target string
		want   []string
	}{
		{"/services", []string{"mailer", "transport"}},
		{"/services?public=true", []string{"mailer"}},
		{"/services?tag=kernel.reset", []string{"mailer"}},
		{"/services?tag=nope", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec, env := get(t, s, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)
			ids := []string{}
			for _, info := range decode[[]container.ServiceInfo](t, env.Data) {
				ids = append(ids, info.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestService(t *testing.T) {
	s := newServer(t, nil)

	rec, env := get(t, s, "/services/mail")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[container.ServiceInfo](t, env.Data)
	assert.Equal(t, "mailer", info.ID)
	assert.Equal(t, []string{"mail"}, info.Aliases)
	assert.Equal(t, []string{"transport"}, info.Dependencies)

	rec, env = get(t, s, "/services/mailr")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, env.Message, `non-existent service "mailr"`)
	assert.Contains(t, env.Message, "Did you mean")
}

// ── Parameters ───────────────────────────────────────────────────────────────

func TestParameters(t *testing.T) {
	s := newServer(t, map[string]string{"DSN": "smtp://localhost", "APP_SECRET": "hunter2"})

	rec, env := get(t, s, "/parameters")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{
		"dsn":           "%env(DSN)%",
		"retries":       float64(3),
		"kernel.secret": "%env(APP_SECRET)%",
	}, decode[map[string]any](t, env.Data))

	rec, env = get(t, s, "/parameters?resolve=true")
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[map[string]any](t, env.Data)
	assert.Equal(t, "smtp://localhost", resolved["dsn"])
	assert.Equal(t, "******", resolved["kernel.secret"])
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec, env = get(t, s, "/parameters/kernel.secret?resolve=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"name": "kernel.secret", "value": "******"}, decode[map[string]any](t, env.Data))

	rec, env = get(t, s, "/parameters/retries")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"name": "retries", "value": float64(3)}, decode[map[string]any](t, env.Data))

	rec, _ = get(t, s, "/parameters/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParameters_MissingEnv(t *testing.T) {
	s := newServer(t, nil)

	rec, env := get(t, s, "/parameters/dsn?resolve=true")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, env.Message, "DSN")

	rec, _ = get(t, s, "/parameters/dsn")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ── Tags ─────────────────────────────────────────────────────────────────────

func TestTags(t *testing.T) {
	s := newServer(t, nil)

	rec, env := get(t, s, "/tags")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string][]string{
		"kernel.reset":     {"mailer"},
		"mailer.transport": {"mailer", "transport"},
	}, decode[map[string][]string](t, env.Data))

	rec, env = get(t, s, "/tags/mailer.transport")
	require.Equal(t, http.StatusOK, rec.Code)
	type tagged struct {
		ID         string           `json:"id"`
		Attributes []map[string]any `json:"attributes"`
	}
	assert.Equal(t, []tagged{
		{ID: "mailer", Attributes: []map[string]any{{}}},
		{ID: "transport", Attributes: []map[string]any{{"alias": "smtp"}}},
	}, decode[[]tagged](t, env.Data))

	rec, env = get(t, s, "/tags/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, `No service is tagged "missing".`, env.Message)
}

// ── Exports ──────────────────────────────────────────────────────────────────

func TestExports(t *testing.T) {
	s := newServer(t, nil)

	rec, _ := get(t, s, "/graph")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/vnd.graphviz; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "node_mailer -> node_transport")

	rec, _ = get(t, s, "/dump")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mailer:")
	assert.Contains(t, rec.Body.String(), "%env(DSN)%")
}

func TestUnknownRoute(t *testing.T) {
	rec, env := get(t, newServer(t, nil), "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found.", env.Message)
}
