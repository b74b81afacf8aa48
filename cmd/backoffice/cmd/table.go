package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/backoffice/cache"
)

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Manage dataset tables warmed at sign-in",
}

var tableImportCmd = &cobra.Command{
	Use:   "import <dataset> <file.json>",
	Short: "Import rows from a JSON array",
	Long: `Reads a JSON array of objects and stores each object as a row of the
dataset. A row's "id" field becomes its key, so importing the same file
twice overwrites rather than duplicates.`,
	Args: cobra.ExactArgs(2),
	RunE: runTableImport,
}

var tableShowCmd = &cobra.Command{
	Use:   "show <dataset>",
	Short: "Print a dataset as the warm cache would load it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTableShow,
}

func init() {
	rootCmd.AddCommand(tableCmd)
	tableCmd.AddCommand(tableImportCmd, tableShowCmd)
}

func runTableImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("%s must hold a JSON array: %w", args[1], err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	repo, closeRepo, err := openPersistentRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	n, err := cache.ImportRows(ctx, repo, args[0], rows)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d row(s) into %s\n", n, args[0])
	return nil
}

func runTableShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	repo, closeRepo, err := openPersistentRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	data, err := cache.RepositoryLoader{Repo: repo, Dataset: args[0]}.Load(ctx, "")
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = cmd.OutOrStdout().Write(out.Bytes())
	return err
}
