// Command container inspects the services file of an application.
//
//	container lint
//	container services --show-private
//	container dump --format dot | dot -Tsvg > services.svg
//	container serve --addr 127.0.0.1:8099
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/km-arc/go-symfony/framework/app"
	"github.com/km-arc/go-symfony/framework/config"
)

var (
	// Global flags
	envFiles     []string
	servicesFile string
	environment  string
	strict       bool
	verbose      bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "container",
	Short: "Compile and inspect a service container",
	Long: `container loads the services file of an application, runs the compiler
passes over it and reports on the result.

Configuration is read from .env and .env.local, then from the process
environment. CONTAINER_SERVICES names the services file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to read (default .env, .env.local)")
	rootCmd.PersistentFlags().StringVarP(&servicesFile, "file", "f", "", "services file (default $CONTAINER_SERVICES)")
	rootCmd.PersistentFlags().StringVarP(&environment, "env", "e", "", "kernel environment (default $APP_ENV)")
	rootCmd.PersistentFlags().BoolVar(&strict, "strict", false, "require every class to be registered")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(parametersCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newKernel builds a kernel from the global flags.
func newKernel() (*app.Kernel, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	if servicesFile != "" {
		cfg.ServicesFile = servicesFile
	}
	if environment != "" {
		cfg.Environment = environment
	}
	cfg.StrictClasses = strict

	l := logger
	if l == nil {
		l = zap.NewNop()
	}
	return app.New(cfg, app.WithLogger(l))
}
