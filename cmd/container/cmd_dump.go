package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/km-arc/go-symfony/framework/container/dumper"
)

// ── dump ─────────────────────────────────────────────────────────────────────

var (
	dumpFormat  string
	dumpOutput  string
	hidePrivate bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Export the compiled container",
	Long: `Writes the compiled container as YAML, which the loader reads back,
or as a Graphviz graph of service references.

Example:
  container dump --format dot --hide-private | dot -Tsvg > services.svg`,
	Args: cobra.NoArgs,
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVar(&dumpFormat, "format", "yaml", "output format: yaml or dot")
	dumpCmd.Flags().StringVarP(&dumpOutput, "output", "o", "", "write to file instead of stdout")
	dumpCmd.Flags().BoolVar(&hidePrivate, "hide-private", false, "leave private services out of the graph")
}

func runDump(cmd *cobra.Command, _ []string) (err error) {
	k, err := newKernel()
	if err != nil {
		return err
	}
	c, err := k.Compile()
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if dumpOutput != "" {
		f, err := os.Create(dumpOutput)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}

	switch dumpFormat {
	case "yaml":
		return dumper.YAML(w, c)
	case "dot":
		return dumper.Graphviz(w, c, dumper.GraphvizOptions{HidePrivate: hidePrivate})
	}
	return fmt.Errorf("unknown format %q (want yaml or dot)", dumpFormat)
}

// ── serve ────────────────────────────────────────────────────────────────────

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the kernel and serve the inspection endpoints",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default $CONTAINER_DEBUG_ADDR)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	k, err := newKernel()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		k.Config().DebugAddr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", k.Config().ServicesFile, k.Config().DebugAddr)
	return k.Serve(ctx)
}
