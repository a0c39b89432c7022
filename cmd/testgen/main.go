// testgen
//
// An HTTP facade that turns Java source into JUnit tests using a
// llama.cpp-hosted model server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "testgen",
	Short: "testgen - JUnit test generation service",
	Long: `testgen generates JUnit tests for Java classes using a local model server.

  testgen serve                                  Start the server
  testgen generate Calculator.java               Generate tests for a file
  testgen generate Calculator.java --save        Generate and write the test file
  testgen history                                Show recent generations
  testgen config show                            Show current configuration`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TESTGEN_SERVER", "http://localhost:9092"), "testgen server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
