package app_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/km-arc/go-symfony/framework/app"
	"github.com/km-arc/go-symfony/framework/config"
	"github.com/km-arc/go-symfony/framework/container"
)

// ── fixtures ──────────────────────────────────────────────────────────────────

type Greeter struct {
	Greeting string
	Booted   []string
}

func (g *Greeter) OnKernelBooted(_ context.Context, e any) error {
	g.Booted = append(g.Booted, e.(*app.BootedEvent).Environment)
	return nil
}

type greeterProvider struct{ container.BaseProvider }

func (*greeterProvider) Register(b *container.Builder) error {
	return b.RegisterClass(container.Class{
		Name: "app.Greeter",
		New: func(args []any) (any, error) {
			g := &Greeter{}
			if len(args) > 0 {
				g.Greeting, _ = args[0].(string)
			}
			return g, nil
		},
	})
}

type lateProvider struct {
	container.BaseProvider
	name string
}

func (p *lateProvider) Register(*container.Builder) error { return nil }

const servicesYAML = `
parameters:
  greeting: hello from %kernel.environment%

services:
  greeter:
    class: app.Greeter
    public: true
    arguments: ['%greeting%']
    tags:
      - { name: kernel.event_listener, event: kernel.booted }

when@prod:
  parameters:
    greeting: hello production
`

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	base := map[string]string{
		"APP_NAME":             "shop",
		"APP_ENV":              "test",
		"APP_DEBUG":            "false",
		"CONTAINER_SERVICES":   "config/services.yaml",
		"CONTAINER_STRICT":     "true",
		"CONTAINER_DEBUG_ADDR": "",
	}
	for k, v := range env {
		base[k] = v
	}
	for k, v := range base {
		t.Setenv(k, v)
	}
	return config.FromMap(nil)
}

func newKernel(t *testing.T, cfg *config.Config, files fstest.MapFS, opts ...app.Option) *app.Kernel {
	t.Helper()
	opts = append([]app.Option{app.WithLogger(zap.NewNop()), app.WithFS(files)}, opts...)
	k, err := app.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, k.Register(&greeterProvider{}))
	return k
}

func servicesFS(content string) fstest.MapFS {
	return fstest.MapFS{"config/services.yaml": {Data: []byte(content)}}
}

// ── Boot ──────────────────────────────────────────────────────────────────────

func TestKernel_Boot(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	k := newKernel(t, testConfig(t, nil), servicesFS(servicesYAML), app.WithLogger(zap.New(core)))
	assert.False(t, k.Booted())
	assert.Nil(t, k.Container())

	c, err := k.Boot(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, k.Container())

	g, err := container.Resolve[*Greeter](c, "greeter")
	require.NoError(t, err)
	assert.Equal(t, "hello from test", g.Greeting)
	assert.Equal(t, []string{"test"}, g.Booted, "kernel.booted reaches tagged listeners")

	again, err := k.Boot(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, 1, logs.FilterMessage("kernel booted").Len())

	for _, id := range []string{"config", "logger", "event_dispatcher"} {
		assert.True(t, c.Has(id), id)
	}
}

func TestKernel_CompileDoesNotBoot(t *testing.T) {
	k := newKernel(t, testConfig(t, nil), servicesFS(servicesYAML))
	c, err := k.Compile()
	require.NoError(t, err)
	assert.False(t, k.Booted())

	info, err := c.Describe("greeter")
	require.NoError(t, err)
	assert.Equal(t, "app.Greeter", info.Class)
	assert.False(t, c.Initialized("greeter"))
}

func TestKernel_WhenEnvironment(t *testing.T) {
	k := newKernel(t, testConfig(t, map[string]string{"APP_ENV": "prod"}), servicesFS(servicesYAML))
	c, err := k.Boot(context.Background())
	require.NoError(t, err)

	v, err := c.Parameter("greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello production", v)
}

func TestKernel_MissingServicesFileIsSkipped(t *testing.T) {
	k := newKernel(t, testConfig(t, nil), fstest.MapFS{})
	c, err := k.Boot(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Has("greeter"))
}

func TestKernel_StrictClasses(t *testing.T) {
	files := servicesFS("services:\n  ghost:\n    class: app.Ghost\n    public: true\n")

	k := newKernel(t, testConfig(t, nil), files)
	_, err := k.Boot(context.Background())
	require.Error(t, err)
	var de *container.DefinitionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ghost", de.ID)

	k = newKernel(t, testConfig(t, map[string]string{"CONTAINER_STRICT": "false"}), files)
	_, err = k.Boot(context.Background())
	require.NoError(t, err)
}

func TestKernel_RegisterAfterBootFails(t *testing.T) {
	k := newKernel(t, testConfig(t, nil), fstest.MapFS{})
	_, err := k.Boot(context.Background())
	require.NoError(t, err)

	err = k.Register(&lateProvider{name: "late"})
	var fe *container.FrozenRegistryError
	require.ErrorAs(t, err, &fe)
}

func TestKernel_Preload(t *testing.T) {
	k := newKernel(t, testConfig(t, nil), servicesFS(servicesYAML), app.WithPreload())
	c, err := k.Boot(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Initialized("greeter"))
}

// ── Logger ────────────────────────────────────────────────────────────────────

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		debug   bool
		wantErr bool
	}{
		{name: "debug", env: map[string]string{"APP_DEBUG": "true"}, debug: true},
		{name: "info", env: map[string]string{"LOG_LEVEL": "info"}},
		{name: "console", env: map[string]string{"LOG_LEVEL": "warn", "LOG_FORMAT": "console"}},
		{name: "bad level", env: map[string]string{"LOG_LEVEL": "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := app.NewLogger(testConfig(t, tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.debug, l.Core().Enabled(zap.DebugLevel))
		})
	}
}

// ── Serve ─────────────────────────────────────────────────────────────────────

func TestKernel_ServeListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	k := newKernel(t, testConfig(t, nil), servicesFS(servicesYAML))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.ServeListener(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/services/greeter")
	require.NoError(t, err)
	var body struct {
		Data container.ServiceInfo `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "app.Greeter", body.Data.Class)

	cancel()
	require.NoError(t, <-done)
	client.CloseIdleConnections()
}

func TestKernel_ServeNeedsAddress(t *testing.T) {
	k := newKernel(t, testConfig(t, nil), fstest.MapFS{})
	err := k.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTAINER_DEBUG_ADDR")
}
