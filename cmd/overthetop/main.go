// overthetop: a peer-to-peer streaming overlay node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "overthetop",
		Short: "Peer-to-peer streaming overlay node",
		Long: `overthetop runs one node of a distance-vector-routed streaming
overlay. Neighbours exchange routing and flow-table state over a TCP
control connection; stream chunks travel over UDP, multicast hop-by-hop
along the routes the control plane computes.

Run "overthetop run" to start a node and attach its interactive console.`,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("overthetop %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	format := parseLogFormat(formatStr)
	level := parseLogLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = parseLogLevel("debug")
		} else {
			level = parseLogLevel("info")
		}
	}
	setupLogging(format, level)
}
