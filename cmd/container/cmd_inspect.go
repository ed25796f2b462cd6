package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/km-arc/go-symfony/framework/container"
	"github.com/km-arc/go-symfony/framework/debug"
)

// ── lint ─────────────────────────────────────────────────────────────────────

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Compile the services file and report errors",
	Long: `Runs every compiler pass over the services file. The command fails
on the first invalid definition, missing reference, undefined parameter or
circular reference.`,
	Args: cobra.NoArgs,
	RunE: runLint,
}

func runLint(cmd *cobra.Command, _ []string) error {
	k, err := newKernel()
	if err != nil {
		return err
	}
	if _, err := os.Stat(k.Config().ServicesFile); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("services file %s does not exist", k.Config().ServicesFile)
	}
	c, err := k.Compile()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if verbose {
		for _, line := range k.Builder().CompilerLog() {
			fmt.Fprintln(out, line)
		}
	}
	for _, tag := range k.Builder().FindUnusedTags() {
		fmt.Fprintf(out, "[WARNING] Tag %q is not used by any compiler pass.\n", tag)
	}
	fmt.Fprintf(out, "[OK] %s compiled: %d services, %d aliases, %d removed.\n",
		k.Config().ServicesFile, len(c.Services()), len(c.Aliases()), len(c.RemovedIDs()))
	return nil
}

// ── services ─────────────────────────────────────────────────────────────────

var (
	showPrivate bool
	filterTag   string
	asJSON      bool
)

var servicesCmd = &cobra.Command{
	Use:   "services [id]",
	Short: "List the compiled services or describe one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServices,
}

func init() {
	servicesCmd.Flags().BoolVar(&showPrivate, "show-private", false, "include private services")
	servicesCmd.Flags().StringVar(&filterTag, "tag", "", "only services carrying this tag")
	servicesCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
}

func runServices(cmd *cobra.Command, args []string) error {
	k, err := newKernel()
	if err != nil {
		return err
	}
	c, err := k.Compile()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		info, err := c.Describe(args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, info)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Service ID\t%s\n", info.ID)
		fmt.Fprintf(w, "Class\t%s\n", orDash(info.Class))
		fmt.Fprintf(w, "Public\t%s\n", yesNo(info.Public))
		fmt.Fprintf(w, "Shared\t%s\n", yesNo(info.Shared))
		fmt.Fprintf(w, "Lazy\t%s\n", yesNo(info.Lazy))
		fmt.Fprintf(w, "Synthetic\t%s\n", yesNo(info.Synthetic))
		fmt.Fprintf(w, "Aliases\t%s\n", orDash(strings.Join(info.Aliases, ", ")))
		fmt.Fprintf(w, "Tags\t%s\n", orDash(strings.Join(info.Tags, ", ")))
		fmt.Fprintf(w, "Dependencies\t%s\n", orDash(strings.Join(info.Dependencies, ", ")))
		return w.Flush()
	}

	var list []container.ServiceInfo
	for _, info := range c.Services() {
		if !showPrivate && !info.Public {
			continue
		}
		if filterTag != "" && !slices.Contains(info.Tags, filterTag) {
			continue
		}
		list = append(list, info)
	}
	if asJSON {
		return writeJSON(out, list)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE ID\tCLASS\tPUBLIC\tSHARED\tTAGS")
	for _, info := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.ID, orDash(info.Class), yesNo(info.Public), yesNo(info.Shared), orDash(strings.Join(info.Tags, ",")))
	}
	aliases := c.Aliases()
	for _, id := range slices.Sorted(maps.Keys(aliases)) {
		a := aliases[id]
		if (!showPrivate && !a.Public) || filterTag != "" {
			continue
		}
		fmt.Fprintf(w, "%s\talias for %q\t%s\t\t\n", id, a.Target, yesNo(a.Public))
	}
	return w.Flush()
}

// ── parameters ───────────────────────────────────────────────────────────────

var resolveEnv bool

var parametersCmd = &cobra.Command{
	Use:   "parameters",
	Short: "List the compiled parameters",
	Args:  cobra.NoArgs,
	RunE:  runParameters,
}

func init() {
	parametersCmd.Flags().BoolVar(&resolveEnv, "resolve", false, "expand %env()% placeholders (secrets stay hidden)")
}

func runParameters(cmd *cobra.Command, _ []string) error {
	k, err := newKernel()
	if err != nil {
		return err
	}
	c, err := k.Compile()
	if err != nil {
		return err
	}

	bag := c.ParameterBag()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARAMETER\tVALUE")
	for _, name := range bag.Names() {
		var v any
		if resolveEnv {
			if v, err = c.Parameter(name); err != nil {
				return err
			}
			v = debug.Redact(name, v)
		} else {
			v, _ = bag.Get(name)
		}
		raw, err := json.Marshal(container.EnvTemplates(v))
		if err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		fmt.Fprintf(w, "%s\t%s\n", name, raw)
	}
	return w.Flush()
}

// ── helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
