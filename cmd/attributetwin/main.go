// Command attributetwin runs the attribute recomputation service.
//
// Usage:
//
//	attributetwin serve [--config file]
//	attributetwin validate --datatype int --candidate <id>=int/static '${<id>}$ + 1'
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "attributetwin",
	Short: "Runtime attribute recomputation for asset digital twins",
	Long: `attributetwin keeps the runtime attributes of assets up to date.

Runtime attributes are computed from expressions over the other attributes of
an asset. Whenever an attribute is updated, every runtime attribute triggered
by it is recomputed and announced in turn.

Available commands:
  serve    - Consume attribute.updated events and recompute dependents
  validate - Compile a runtime expression and print its triggers`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "configuration file (toml, yaml or json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
