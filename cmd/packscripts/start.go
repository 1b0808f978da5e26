package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/dev"
	"github.com/vango-dev/packscripts/internal/typecheck"
)

func startCmd(ui *console, flags *globalFlags) *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the development server",
		Long: `Start the development server.

The project is bundled in memory and rebuilt whenever a source file
changes. Connected browsers receive build results over the hot channel
and reload or show an error overlay.

Examples:
  packscripts start
  packscripts start --port=8080
  HOST=0.0.0.0 packscripts start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, ui, flags, v)
		},
	}

	cmd.Flags().StringP("host", "H", config.DefaultHost, "Host to bind to")
	cmd.Flags().IntP("port", "p", config.DefaultPort, "Port to listen on")
	cmd.Flags().Bool("no-typecheck", false, "Do not run the TypeScript checker alongside")
	_ = v.BindPFlag("dev.host", cmd.Flags().Lookup("host"))
	_ = v.BindPFlag("dev.port", cmd.Flags().Lookup("port"))

	return cmd
}

func runStart(cmd *cobra.Command, ui *console, flags *globalFlags, v *viper.Viper) error {
	cfg, err := config.Load(config.LoadOptions{
		Dir:   flags.dir,
		Mode:  config.ModeDevelopment,
		Viper: v,
	})
	if err != nil {
		return err
	}
	if skip, _ := cmd.Flags().GetBool("no-typecheck"); skip {
		cfg.TypeCheck.Enabled = false
	}

	opts := dev.ServerOptions{
		Config: cfg,
		Logger: slog.Default(),
		Out:    ui.out,
	}
	if cfg.TypeCheck.Enabled {
		checker := newChecker(cfg, typecheck.Options{Out: ui.err, Logger: slog.Default()})
		if checker.Available() {
			opts.TypeChecker = checker
		} else {
			ui.warn("tsc not found in node_modules/.bin, type checking is off")
		}
	}

	server, err := newDevServer(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return err
	}
	ui.println(greenBold("Exit"))
	return nil
}
