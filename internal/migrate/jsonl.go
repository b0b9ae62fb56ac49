// Package migrate seeds and exports the local store as JSONL.
//
// Each line holds one record tagged with its collection:
//
//	{"collection":"project","record":{"id":"pr1","name":"Harbour wall",...}}
//
// Imported records are written as synced and never enter the operation
// queue: a seed reflects data the remote system already has.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/store"
)

// Line is one JSONL entry.
type Line struct {
	Collection schema.Collection `json:"collection"`
	Record     json.RawMessage   `json:"record"`
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	DryRun bool // Validate without writing
	Backup bool // Copy the input next to itself first
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported      int
	Skipped       int
	ByCollection  map[schema.Collection]int
	BackupCreated string
	Errors        []string
}

// maxLine bounds a single JSONL line. Records carry no binary payload.
const maxLine = 4 << 20

// ImportJSONL reads path and writes every valid record to s. Malformed or
// invalid lines are reported in the result and do not stop the import.
func ImportJSONL(ctx context.Context, s store.Store, path string, opts ImportOptions) (*ImportResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	result := &ImportResult{ByCollection: make(map[schema.Collection]int)}

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0o600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return result, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		e, err := decodeLine(raw)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if e.Base().Deleted {
			result.Skipped++
			continue
		}

		if !opts.DryRun {
			if err := s.Write(ctx, e, schema.StatusSynced); err != nil {
				if errors.Is(err, context.Canceled) {
					return result, err
				}
				result.Errors = append(result.Errors,
					fmt.Sprintf("line %d: failed to write %s %s: %v", lineNum, e.Collection(), e.Base().ID, err))
				continue
			}
		}
		result.Imported++
		result.ByCollection[e.Collection()]++
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read JSONL at line %d: %w", lineNum+1, err)
	}
	return result, nil
}

func decodeLine(raw []byte) (schema.Entity, error) {
	var line Line
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if !schema.Known(line.Collection) {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownCollection, line.Collection)
	}
	if len(line.Record) == 0 {
		return nil, errors.New("missing record")
	}
	e, err := schema.Decode(line.Collection, line.Record)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ExportJSONL writes every record of the given collections to w, one line
// per record. No collections means all of them.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer, collections ...schema.Collection) (int, error) {
	if len(collections) == 0 {
		collections = schema.Collections()
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	n := 0
	for _, c := range collections {
		records, err := s.GetAll(ctx, c)
		if err != nil {
			return n, fmt.Errorf("failed to read %s: %w", c, err)
		}
		for _, e := range records {
			data, err := schema.Encode(e)
			if err != nil {
				return n, fmt.Errorf("failed to encode %s %s: %w", c, e.Base().ID, err)
			}
			if err := enc.Encode(Line{Collection: c, Record: data}); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, bw.Flush()
}
