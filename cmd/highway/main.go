// Command highway serves and calls the operations of a YAML contract.
//
//	highway serve --contract examples/calculator.yaml --listen :7070
//	highway call calc.add 3 4 --registry-endpoints 127.0.0.1:7070
//	highway call calc.norm "x=3;y=4"
//
// Every flag can also be set as HIGHWAY_<FLAG> (e.g. HIGHWAY_REQUEST_TIMEOUT=2s),
// in .env / .env.local, or in the YAML file named by --config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"highway-rpc/config"
)

const Version = "0.3.0"

var (
	rootCmd = &cobra.Command{
		Use:   "highway",
		Short: "schema-driven RPC runtime",
		Long: fmt.Sprintf(`highway (v%s)

Serves and calls operations described by a YAML contract over the Highway
binary protocol.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of highway",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("highway v%s\n", Version)
		},
	}
)

func init() {
	config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
