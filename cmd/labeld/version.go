package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "1.0.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
	// Commit is the git revision the binary was built from.
	Commit = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		commit := Commit
		if commit == "" {
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, s := range info.Settings {
					if s.Key == "vcs.revision" {
						commit = s.Value
						break
					}
				}
			}
		}

		if jsonOutput {
			result := map[string]string{
				"version": Version,
				"build":   Build,
			}
			if commit != "" {
				result["commit"] = commit
			}
			outputJSON(result)
			return
		}
		fmt.Printf("labeld %s (build %s)\n", Version, Build)
		if commit != "" {
			fmt.Printf("commit: %s\n", commit)
		}
	},
}
