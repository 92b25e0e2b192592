// Command flowd-reader prints the flows recorded in one or more flowd log
// files as single-line text, one flow per line (spec §6, a direct
// reimplementation of original_source/flowd-reader.c's behavior).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flowd/internal/reader"
	"flowd/internal/store"
)

var (
	verbose bool
	utc     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowd-reader FLOW-LOG [FLOW-LOG ...]",
		Short: "Print flows recorded in a flowd log file",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "display all available flow information")
	rootCmd.Flags().BoolVarP(&utc, "utc", "U", false, "report times in UTC rather than local time")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	mode := reader.Local
	if utc {
		mode = reader.UTC
	}

	for _, path := range args {
		if err := readOne(path, mode); err != nil {
			return fmt.Errorf("flowd-reader: %w", err)
		}
	}
	return nil
}

func readOne(path string, mode reader.TimeMode) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("couldn't open %s: %w", path, err)
	}
	defer f.Close()

	hdr, err := store.GetHeader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Println(reader.FormatLogfileHeader(path, hdr.StartTime, mode))

	for {
		flow, err := store.GetFlow(f)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if flow == nil {
			break
		}
		fmt.Println(reader.FormatFlow(flow, mode, verbose))
	}
	return nil
}
