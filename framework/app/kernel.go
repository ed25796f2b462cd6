// Package app wires configuration, logging, service providers and the
// services file into a booted container.
//
//	cfg, err := config.Load()
//	k, err := app.New(cfg)
//	k.Register(&MailerProvider{})
//	c, err := k.Boot(ctx)
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/km-arc/go-symfony/framework/config"
	"github.com/km-arc/go-symfony/framework/container"
	"github.com/km-arc/go-symfony/framework/container/loader"
	"github.com/km-arc/go-symfony/framework/debug"
	"github.com/km-arc/go-symfony/framework/events"
	"github.com/km-arc/go-symfony/framework/providers"
)

// BootedEvent is dispatched as "kernel.booted" once every provider has
// booted.
type BootedEvent struct {
	Environment string
	Container   *container.Container
}

// Kernel drives one container from registration to boot.
type Kernel struct {
	cfg       *config.Config
	logger    *zap.Logger
	builder   *container.Builder
	providers *container.ProviderRegistry
	container *container.Container

	fsys    fs.FS
	preload bool
	loaded  bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger replaces the logger built from the config.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithFS reads the services file and its imports from fsys instead of the
// working directory.
func WithFS(fsys fs.FS) Option {
	return func(k *Kernel) { k.fsys = fsys }
}

// WithPreload builds every public shared service during Boot.
func WithPreload() Option {
	return func(k *Kernel) { k.preload = true }
}

// New creates a kernel and registers the framework providers.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	k := &Kernel{cfg: cfg}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		l, err := NewLogger(cfg)
		if err != nil {
			return nil, err
		}
		k.logger = l
	}

	bopts := []container.Option{
		container.WithLogger(k.logger.Named("container")),
		container.WithEnvLookup(cfg.Lookup),
	}
	if cfg.StrictClasses {
		bopts = append(bopts, container.WithStrictClasses())
	}
	k.builder = container.NewBuilder(bopts...)
	k.providers = container.NewProviderRegistry(k.builder)

	err := k.providers.RegisterAll(
		&providers.ParametersProvider{Config: cfg},
		&providers.LoggerProvider{Logger: k.logger},
		&providers.EventsProvider{},
	)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// NewLogger builds the production zap config, at debug level when
// cfg.Debug is set or at cfg.LogLevel otherwise.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	} else if err := level.Set(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("app: LOG_LEVEL: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("app: failed to initialize logger: %w", err)
	}
	return l.With(zap.String("app", cfg.AppName), zap.String("env", cfg.Environment)), nil
}

// Register adds a provider. It fails once the kernel has booted.
func (k *Kernel) Register(p container.ServiceProvider) error {
	return k.providers.Register(p)
}

// Builder exposes the builder for direct registration before Boot.
func (k *Kernel) Builder() *container.Builder { return k.builder }

// Config returns the kernel configuration.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *zap.Logger { return k.logger }

// Container returns the booted container, or nil before Boot.
func (k *Kernel) Container() *container.Container { return k.container }

// Booted returns true if Boot has completed.
func (k *Kernel) Booted() bool { return k.container != nil }

// Compile loads the services file and compiles the builder without booting
// the providers. Synthetic services stay unset, so nothing should be built
// from the result; it serves inspection and linting.
func (k *Kernel) Compile() (*container.Container, error) {
	if !k.loaded {
		if err := k.loadServices(); err != nil {
			return nil, err
		}
		k.loaded = true
	}
	return k.providers.Compile()
}

// Boot compiles the kernel, boots the providers and dispatches
// "kernel.booted". Calling it again returns the same container.
func (k *Kernel) Boot(ctx context.Context) (*container.Container, error) {
	if k.container != nil {
		return k.container, nil
	}
	if _, err := k.Compile(); err != nil {
		return nil, err
	}
	c, err := k.providers.Boot()
	if err != nil {
		return nil, err
	}
	if k.preload {
		if err := c.Preload(ctx); err != nil {
			return nil, fmt.Errorf("app: preload: %w", err)
		}
	}

	if c.Has(events.DispatcherID) {
		d, err := container.Resolve[*events.Dispatcher](c, events.DispatcherID)
		if err != nil {
			return nil, err
		}
		if err := d.Dispatch(ctx, "kernel.booted", &BootedEvent{Environment: k.cfg.Environment, Container: c}); err != nil {
			return nil, err
		}
	}

	k.container = c
	k.logger.Info("kernel booted",
		zap.Int("services", len(c.ServiceIDs())),
		zap.Bool("debug", k.cfg.Debug))
	return c, nil
}

func (k *Kernel) loadServices() error {
	path := k.cfg.ServicesFile
	if path == "" {
		return nil
	}
	opts := []loader.Option{
		loader.WithEnvironment(k.cfg.Environment),
		loader.WithLogger(k.logger.Named("loader")),
	}
	if k.fsys != nil {
		opts = append(opts, loader.WithFS(k.fsys))
	}
	if _, err := k.stat(path); errors.Is(err, fs.ErrNotExist) {
		k.logger.Info("no services file", zap.String("path", path))
		return nil
	}
	return loader.NewYAMLLoader(k.builder, opts...).LoadFile(path)
}

func (k *Kernel) stat(path string) (fs.FileInfo, error) {
	if k.fsys != nil {
		return fs.Stat(k.fsys, filepath.ToSlash(filepath.Clean(path)))
	}
	return os.Stat(path)
}

// ── Debug server ──────────────────────────────────────────────────────────────

// Serve boots the kernel if needed and serves the inspection endpoints on
// Config.DebugAddr until ctx is canceled.
func (k *Kernel) Serve(ctx context.Context) error {
	if k.cfg.DebugAddr == "" {
		return errors.New("app: CONTAINER_DEBUG_ADDR is not set")
	}
	ln, err := net.Listen("tcp", k.cfg.DebugAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return k.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener, which it closes.
func (k *Kernel) ServeListener(ctx context.Context, ln net.Listener) error {
	c, err := k.Boot(ctx)
	if err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           debug.New(c, k.logger.Named("debug")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	k.logger.Info("debug server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
