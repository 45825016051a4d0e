package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Version and build details",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), BuildDetails())
		},
	}
}

// BuildDetails returns the version, commit and build date
func BuildDetails() string {
	if version == "" {
		return "docbridge (unknown version)"
	}

	return fmt.Sprintf(`docbridge %s
For documentation, visit https://github.com/dosco/docbridge

Commit SHA-1          : %s
Commit timestamp      : %s
Go version            : %s`,
		version,
		commit,
		date,
		runtime.Version())
}
