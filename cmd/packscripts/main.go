package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vango-dev/packscripts/internal/build"
	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/dev"
	"github.com/vango-dev/packscripts/internal/errors"
	"github.com/vango-dev/packscripts/internal/publish"
	"github.com/vango-dev/packscripts/internal/typecheck"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// logLevelEnv overrides the log level chosen by --verbose and --quiet.
const logLevelEnv = "PACKSCRIPTS_LOG_LEVEL"

// Constructors the commands go through; tests swap them out.
var (
	newDevServer = dev.NewServer
	newBuilder   = build.New
	newChecker   = typecheck.New
	newPublisher = func(ctx context.Context, cfg *config.Config) (build.Publisher, error) {
		return publish.New(ctx, cfg, publish.Options{Logger: slog.Default()})
	}
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	dir     string
	verbose bool
	quiet   bool
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ui := &console{out: stdout, err: stderr}
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "packscripts",
		Short: "Build and serve browser bundles",
		Long: `packscripts bundles a TypeScript/JSX project for the browser.

  build    Bundle the project into the output directory
  start    Serve the project with rebuild on change and live reload

The project root must contain a package.json. Settings can be tuned in
packscripts.yaml and through NODE_ENV, HOST and PORT.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(stderr, flags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			ui.println(fmt.Sprintf("Unknown script \"%s\".", args[0]))
			return nil
		},
	}
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.dir, "dir", "C", "", "Project root (default: working directory)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "Only log errors")

	rootCmd.AddCommand(
		buildCmd(ui, flags),
		startCmd(ui, flags),
		configCmd(ui, flags),
		versionCmd(ui),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		errors.Fprint(stderr, err)
		return 1
	}
	return 0
}

// setupLogging installs the default slog logger.
func setupLogging(w io.Writer, flags *globalFlags) error {
	level := slog.LevelWarn
	switch {
	case flags.verbose:
		level = slog.LevelDebug
	case flags.quiet:
		level = slog.LevelError
	}
	if raw := strings.TrimSpace(os.Getenv(logLevelEnv)); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("%s=%q: %w", logLevelEnv, raw, err)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

var (
	greenMark  = color.New(color.FgGreen).SprintFunc()
	yellowMark = color.New(color.FgYellow).SprintFunc()
	redMark    = color.New(color.FgRed).SprintFunc()
	greenBold  = color.New(color.FgGreen, color.Bold).SprintFunc()
)

// console prints user-facing lines.
type console struct {
	out io.Writer
	err io.Writer
}

func (c *console) println(s string) {
	fmt.Fprintln(c.out, s)
}

// success prints a success message.
func (c *console) success(format string, args ...any) {
	fmt.Fprintf(c.out, "%s %s\n", greenMark("✓"), fmt.Sprintf(format, args...))
}

// info prints an info message.
func (c *console) info(format string, args ...any) {
	fmt.Fprintf(c.out, "  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func (c *console) warn(format string, args ...any) {
	fmt.Fprintf(c.out, "%s %s\n", yellowMark("⚠"), fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func (c *console) errorMsg(format string, args ...any) {
	fmt.Fprintf(c.err, "%s %s\n", redMark("✗"), fmt.Sprintf(format, args...))
}
