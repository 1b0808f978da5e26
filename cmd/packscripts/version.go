package main

import (
	"fmt"
	"runtime"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
)

func versionCmd(ui *console) *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print version, commit, and build information for packscripts.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				ui.println(version)
				return
			}

			fmt.Fprintln(ui.out, columnize.SimpleFormat([]string{
				"Version: | " + version,
				"Commit: | " + commit,
				"Built: | " + date,
				"Go version: | " + runtime.Version(),
				"OS/Arch: | " + runtime.GOOS + "/" + runtime.GOARCH,
			}))
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}
