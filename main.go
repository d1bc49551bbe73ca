// psbuild assembles a PowerShell module project into a single script module
// with a manifest that matches what was built.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/phobologic/psbuild/internal/config"
	"github.com/phobologic/psbuild/internal/pipeline"
	"github.com/phobologic/psbuild/internal/report"
)

var version = "dev"

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

// run executes the command line in args. It is main without the process
// exit, for tests.
func run(args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

type rootOptions struct {
	verbose bool
	stdout  io.Writer
	stderr  io.Writer
}

func (o *rootOptions) logger() *log.Logger {
	logger := log.NewWithOptions(o.stderr, log.Options{Prefix: "psbuild"})
	if o.verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "psbuild",
		Short: "Build a PowerShell module from its project tree",
		Long: `psbuild merges the scripts, classes and resources of a PowerShell module
project into a single .psm1, writes a manifest whose export lists match the
merged module, checks which external modules the code depends on, and
deploys the result.

The build is configured by psbuild.yaml (or .yml, .json, .toml) in the
project directory. Every key can be overridden with a PSBUILD_ environment
variable, and a .env file next to the configuration is loaded first.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newBuildCmd(opts))
	root.AddCommand(newDepsCmd(opts))
	root.AddCommand(newInitCmd(opts))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the psbuild version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(opts.stdout, "psbuild %s\n", version)
			return err
		},
	})
	return root
}

func projectArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func newBuildCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		force  bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "build [project]",
		Short: "Assemble, check and deploy the module",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			cfg, err := config.Load(projectArg(args))
			if err != nil {
				return err
			}
			st, err := pipeline.Build(cmd.Context(), cfg, pipeline.Options{
				Logger: opts.logger(),
				DryRun: dryRun,
				Force:  force,
			})
			if st != nil && st.Dependencies != nil {
				if rerr := printReport(opts.stdout, st.Report(), format); rerr != nil {
					return rerr
				}
			}
			if err != nil {
				return err
			}
			if dryRun && st.ManifestDiff != "" {
				_, _ = fmt.Fprint(opts.stdout, "\n"+st.ManifestDiff)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run every check and diff the manifest without writing anything")
	cmd.Flags().BoolVar(&force, "force", false, "report missing dependencies as warnings instead of failing")
	cmd.Flags().StringVar(&format, "report", string(report.FormatText), "report format: text or toon")
	return cmd
}

func newDepsCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "deps [project]",
		Short: "Show the external commands and modules the module depends on",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			cfg, err := config.Load(projectArg(args))
			if err != nil {
				return err
			}
			st, err := pipeline.Analyze(cmd.Context(), cfg, pipeline.Options{Logger: opts.logger()})
			if err != nil {
				return err
			}
			return printReport(opts.stdout, st.Report(), format)
		},
	}
	cmd.Flags().StringVar(&format, "report", string(report.FormatText), "report format: text or toon")
	return cmd
}

var errUnknownFormat = errors.New("unknown report format")

func checkFormat(format string) error {
	if !report.Format(format).Valid() {
		return fmt.Errorf("%w %q", errUnknownFormat, format)
	}
	return nil
}

func printReport(w io.Writer, b *report.Build, format string) error {
	out, ok := report.Render(b, report.Format(format))
	if !ok {
		return fmt.Errorf("%w %q", errUnknownFormat, format)
	}
	_, err := fmt.Fprintln(w, out)
	return err
}
