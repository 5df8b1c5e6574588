package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JamesJJ/dmarc-rollup/internal/ingest"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var ingestDryRun bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [files or directories...]",
	Short: "Store DMARC aggregate reports from local files",
	Long: `Ingest .xml, .xml.gz and .zip reports, or raw mail messages carrying them as
attachments. Directories are walked recursively. Reports already stored are
reported as duplicates and left untouched.

Examples:
  dmarc-rollup ingest report.xml.gz
  dmarc-rollup ingest ./reports --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Validate and check for duplicates without storing anything")
}

func runIngest(cmd *cobra.Command, args []string) error {

	paths, err := collectFiles(args)
	if err != nil {
		return err
	}

	var files []ingest.File
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		files = append(files, ExtractReports(p, data).Files...)
	}

	svc, err := openServices(cmd.Context(), conf)
	if err != nil {
		return err
	}
	defer svc.Close()

	summary, err := svc.coordinator(conf).Ingest(cmd.Context(), files, !ingestDryRun)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), summary)
}

// collectFiles expands directories into the regular files below them,
// skipping hidden entries.
func collectFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("accessing %s: %w", arg, err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}

		err = filepath.WalkDir(arg, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") && p != arg {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking directory %s: %w", arg, err)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no report files found")
	}
	log.Debug("Collected input files", "count", len(files))
	return files, nil
}
