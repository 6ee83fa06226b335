package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dComm/cmd/connect"
	"github.com/ValentinKolb/dComm/cmd/serve"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dcomm",
		Short: "connection-oriented message transport",
		Long: fmt.Sprintf(`dComm (v%s)

A message transport library written in Go. It frames messages on TCP,
identifies clients across reconnects and detects dead peers with an
active health checker.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dComm",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dComm v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(connect.ConnectCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
