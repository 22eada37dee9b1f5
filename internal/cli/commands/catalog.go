package commands

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"cloudfs/internal/config"
	"cloudfs/internal/storage"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the record catalog behind bundle directories",
	Long: `The catalog stores the records and asset blobs served under each bundle.
Paths are relative to the bundle root.`,
}

var catalogAddCmd = &cobra.Command{
	Use:   "add <bundle> <path> <file>",
	Short: "Import a local file as a record",
	Long: `Copies <file> into the catalog blob store and records it at <path> inside
the bundle. Missing parent directories are created.

Streamed records are always read through a session and never materialized.

Examples:
  cloudfs catalog add photos 2024/beach.jpg ~/Pictures/beach.jpg
  cloudfs catalog add videos clip.mp4 ./clip.mp4 --streamed`,
	Args: cobra.ExactArgs(3),
	RunE: runCatalogAdd,
}

var catalogLsCmd = &cobra.Command{
	Use:   "ls <bundle> [path]",
	Short: "List records in a bundle directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCatalogLs,
}

var catalogMkdirCmd = &cobra.Command{
	Use:   "mkdir <bundle> <path>",
	Short: "Create a directory record and its parents",
	Args:  cobra.ExactArgs(2),
	RunE:  runCatalogMkdir,
}

var catalogRmCmd = &cobra.Command{
	Use:   "rm <bundle> <path>",
	Short: "Remove a record and everything below it",
	Args:  cobra.ExactArgs(2),
	RunE:  runCatalogRm,
}

var catalogStreamed bool

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogAddCmd, catalogLsCmd, catalogMkdirCmd, catalogRmCmd)
	catalogAddCmd.Flags().BoolVar(&catalogStreamed, "streamed", false, "Never materialize this record locally")
}

// openBundle resolves a bundle name from the config and opens the catalog.
func openBundle(name string) (*storage.Catalog, config.Bundle, error) {
	b, ok := cfg.Bundles[name]
	if !ok {
		return nil, config.Bundle{}, fmt.Errorf("unknown bundle %q (configured: %v)", name, bundleNames())
	}
	cat, err := storage.OpenOrCreateCatalog(cfg.Catalog)
	if err != nil {
		return nil, config.Bundle{}, fmt.Errorf("failed to open catalog: %w", err)
	}
	return cat, b, nil
}

func bundleNames() []string {
	names := make([]string, 0, len(cfg.Bundles))
	for name := range cfg.Bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func runCatalogAdd(cmd *cobra.Command, args []string) error {
	cat, b, err := openBundle(args[0])
	if err != nil {
		return err
	}
	defer cat.Close()

	f, err := os.Open(args[2])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", args[2])
	}

	rec, err := cat.Import(context.Background(), b.Container, b.ContainerType, args[1], f, storage.ImportOptions{
		Streamed: catalogStreamed,
		Mode:     info.Mode(),
		MTime:    info.ModTime(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Added %s/%s (%s, record %s)\n", args[0], rec.Path, formatSize(rec.Size), rec.RecordID)
	return nil
}

func runCatalogLs(cmd *cobra.Command, args []string) error {
	cat, b, err := openBundle(args[0])
	if err != nil {
		return err
	}
	defer cat.Close()

	dir := ""
	if len(args) > 1 {
		dir = args[1]
	}
	ctx := context.Background()
	if dir != "" {
		rec, err := cat.Stat(ctx, b.Container, dir)
		if err != nil {
			return err
		}
		if !rec.IsDir {
			printRecordLine(rec.Name, rec.IsDir, rec.Size, rec.Streamed)
			return nil
		}
	}
	recs, err := cat.List(ctx, b.Container, dir)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		printRecordLine(rec.Name, rec.IsDir, rec.Size, rec.Streamed)
	}
	return nil
}

func printRecordLine(name string, isDir bool, size int64, streamed bool) {
	switch {
	case isDir:
		fmt.Printf("  %s/\n", name)
	case streamed:
		fmt.Printf("  %s (%s, streamed)\n", name, formatSize(size))
	default:
		fmt.Printf("  %s (%s)\n", name, formatSize(size))
	}
}

func runCatalogMkdir(cmd *cobra.Command, args []string) error {
	cat, b, err := openBundle(args[0])
	if err != nil {
		return err
	}
	defer cat.Close()
	return cat.Mkdir(context.Background(), b.Container, b.ContainerType, args[1])
}

func runCatalogRm(cmd *cobra.Command, args []string) error {
	cat, b, err := openBundle(args[0])
	if err != nil {
		return err
	}
	defer cat.Close()

	n, err := cat.Remove(context.Background(), b.Container, args[1])
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: no such record", args[0], args[1])
	}
	fmt.Printf("Removed %d record(s)\n", n)
	return nil
}

// formatSize formats a byte size in human-readable form
func formatSize(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%d bytes", size)
	} else if size < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	} else if size < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB", float64(size)/(1024*1024*1024))
}
