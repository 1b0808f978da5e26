package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/vango-dev/packscripts/internal/build"
	"github.com/vango-dev/packscripts/internal/bundler"
	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/typecheck"
)

var stepStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#7D56F4")).
	Bold(true)

func buildCmd(ui *console, flags *globalFlags) *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build for production",
		Long: `Bundle the project for production.

This command:
  • Type checks the project with tsc (when tsconfig.json exists)
  • Bundles and minifies every entry point
  • Renders index.html and copies public/
  • Writes manifest.json and compressed siblings
  • Uploads the output to S3 (with --publish)

Examples:
  packscripts build
  packscripts build --no-typecheck
  packscripts build --publish`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, ui, flags, v)
		},
	}

	cmd.Flags().Bool("publish", false, "Upload the output to the configured bucket")
	cmd.Flags().Bool("no-typecheck", false, "Skip the TypeScript check")
	cmd.Flags().Int("max-messages", 10, "Errors and warnings printed per kind")
	_ = v.BindPFlag("publish.enabled", cmd.Flags().Lookup("publish"))

	return cmd
}

func runBuild(cmd *cobra.Command, ui *console, flags *globalFlags, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.LoadOptions{
		Dir:   flags.dir,
		Mode:  config.ModeProduction,
		Viper: v,
	})
	if err != nil {
		return err
	}

	opts := build.Options{Logger: slog.Default()}
	if skip, _ := cmd.Flags().GetBool("no-typecheck"); !skip && cfg.TypeCheck.Enabled {
		opts.TypeChecker = newChecker(cfg, typecheck.Options{Out: ui.err, Logger: slog.Default()})
	}
	if v.GetBool("publish.enabled") {
		publisher, err := newPublisher(ctx, cfg)
		if err != nil {
			return err
		}
		opts.Publisher = publisher
	}

	bar := newProgressBar(ui.out)
	opts.OnProgress = bar.step

	ui.info("Creating an optimized production build...")
	result, err := newBuilder(cfg, opts).Build(ctx)
	bar.done()

	maxMessages, _ := cmd.Flags().GetInt("max-messages")
	if result != nil && result.Stats != nil {
		fmt.Fprintln(ui.out, result.Stats.String(bundler.StatsOptions{
			Colors:      !color.NoColor,
			MaxMessages: maxMessages,
		}))
	}
	if err != nil {
		ui.errorMsg("Failed to compile.")
		return err
	}

	ui.success("Compiled successfully in %s", result.Duration.Round(time.Millisecond))
	ui.info("Output: %s", result.Output)
	if r := result.Published; r != nil {
		ui.success("Published %d files (%s) to s3://%s/%s", r.Files, humanize.Bytes(uint64(r.Bytes)), r.Bucket, r.Prefix)
	}
	return nil
}

// progressBar renders build steps on a terminal. On anything else it only
// logs them.
type progressBar struct {
	w   io.Writer
	tty bool
	bar progress.Model
}

func newProgressBar(w io.Writer) *progressBar {
	p := &progressBar{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = true
		p.bar = progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))
	}
	return p
}

func (p *progressBar) step(name string, done, total int) {
	slog.Debug("build step", "step", name, "done", done, "total", total)
	if !p.tty || total == 0 {
		return
	}
	fmt.Fprintf(p.w, "\r\033[K%s %s", p.bar.ViewAs(float64(done)/float64(total)), stepStyle.Render(name))
}

func (p *progressBar) done() {
	if p.tty {
		fmt.Fprintf(p.w, "\r\033[K%s\n", p.bar.ViewAs(1))
	}
}
