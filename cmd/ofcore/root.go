// File: cmd/ofcore/root.go
// Author: momentics <momentics@gmail.com>

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at link time.
var Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "ofcore",
		Short: "switch connection controller",
		Long: fmt.Sprintf(`ofcore (v%s)

Accepts binary-protocol switch connections, pipelines requests with reply
correlation and rate-limits unsolicited device events.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ofcore",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ofcore v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(versionCmd, serveCmd)
}
