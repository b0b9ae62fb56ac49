package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/ui"
)

var putCmd = &cobra.Command{
	Use:     "put <collection> [file]",
	GroupID: "records",
	Short:   "Create or update a record from JSON or YAML",
	Long: `Write a record through the hybrid access layer. The record is read from the
file argument, or from stdin when it is omitted or "-".

The record is saved locally first. When the server is reachable it is sent
immediately; otherwise it is queued for the next sync.

Example:
  fieldsync put anchor_point point.yaml
  echo '{"id":"p1","projectId":"pr1","numeroPonto":"A-1"}' | fieldsync put anchor_point`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		c := parseCollection(args[0])
		path := "-"
		if len(args) == 2 {
			path = args[1]
		}
		e, err := readRecord(c, path)
		if err != nil {
			fatal("%v", err)
		}

		a := openApp(appOptions{Probe: true})
		defer a.Close()
		ctx := context.Background()

		_, err = a.store.Get(ctx, c, e.Base().ID)
		switch {
		case err == nil:
			err = a.layer.Update(ctx, e)
		case errors.Is(err, store.ErrNotFound):
			err = a.layer.Create(ctx, e)
		}
		if err != nil {
			a.Close()
			fatal("saving %s %s: %v", c, e.Base().ID, err)
		}

		status, err := a.layer.StatusOf(ctx, c, e.Base().ID)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %s %s: %s\n", ui.RenderPass("✓"), c, e.Base().ID, ui.RenderStatus(status.String()))
	},
}

var getCmd = &cobra.Command{
	Use:     "get <collection> <id>",
	GroupID: "records",
	Short:   "Show one record",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c := parseCollection(args[0])

		a := openApp(appOptions{Probe: true})
		defer a.Close()
		ctx := context.Background()

		e, err := a.layer.Get(ctx, c, args[1])
		if errors.Is(err, store.ErrNotFound) {
			a.Close()
			fatal("%s %s not found", c, args[1])
		}
		if err != nil {
			a.Close()
			fatal("%v", err)
		}

		if !jsonOutput {
			status, err := a.layer.StatusOf(ctx, c, args[1])
			if err == nil {
				fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderMuted("status:"), ui.RenderStatus(status.String()))
			}
		}
		printJSON(e)
	},
}

var listCmd = &cobra.Command{
	Use:     "list <collection>",
	GroupID: "records",
	Short:   "List the records of a collection",
	Long: `List records, merging the server copy with local changes that are not
synced yet. Use --index and --value to filter on a secondary index, e.g.
--index projectId --value pr1.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := parseCollection(args[0])
		index, _ := cmd.Flags().GetString("index")
		value, _ := cmd.Flags().GetString("value")

		a := openApp(appOptions{Probe: true})
		defer a.Close()
		ctx := context.Background()

		var (
			records []schema.Entity
			err     error
		)
		if index != "" {
			records, err = a.layer.ListByIndex(ctx, c, index, value)
		} else {
			records, err = a.layer.List(ctx, c)
		}
		if err != nil {
			a.Close()
			fatal("%v", err)
		}

		if jsonOutput {
			printJSON(records)
			return
		}
		if len(records) == 0 {
			fmt.Println(ui.RenderMuted("No records"))
			return
		}
		for _, e := range records {
			status, err := a.layer.StatusOf(ctx, c, e.Base().ID)
			label := ""
			if err == nil {
				label = ui.RenderStatus(status.String())
			}
			fmt.Printf("%-24s %s\n", e.Base().ID, label)
		}
		fmt.Printf("\n%d record(s) (%s)\n", len(records), a.connectivityLabel())
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	GroupID: "records",
	Short:   "Delete a record",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c := parseCollection(args[0])

		a := openApp(appOptions{Probe: true})
		defer a.Close()

		if err := a.layer.Delete(context.Background(), c, args[1]); err != nil {
			a.Close()
			fatal("deleting %s %s: %v", c, args[1], err)
		}
		fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), c, args[1])
	},
}

func parseCollection(name string) schema.Collection {
	c := schema.Collection(name)
	if !schema.Known(c) {
		names := make([]string, 0)
		for _, k := range schema.Collections() {
			names = append(names, string(k))
		}
		fatal("unknown collection %q (one of: %s)", name, strings.Join(names, ", "))
	}
	return c
}

// readRecord decodes a JSON or YAML document into the record type of c.
func readRecord(c schema.Collection, path string) (schema.Entity, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	if isYAML(path, data) {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("converting YAML: %w", err)
		}
	}

	e, err := schema.Decode(c, data)
	if err != nil {
		return nil, err
	}
	if e.Base().ID == "" {
		return nil, errors.New("record has no id")
	}
	return e, nil
}

func isYAML(path string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	case ".json":
		return false
	}
	trimmed := strings.TrimSpace(string(data))
	return !strings.HasPrefix(trimmed, "{")
}

func init() {
	listCmd.Flags().String("index", "", "secondary index name")
	listCmd.Flags().String("value", "", "index value")

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
}
