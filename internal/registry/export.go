package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ExportResult contains statistics about a snapshot export.
type ExportResult struct {
	Records int
}

// Export writes every correlation for the mapping to w as JSONL, one
// correlation per line. The snapshot can seed a fresh registry on another
// host via Import.
func Export(ctx context.Context, s Store, mappingID string, w io.Writer) (*ExportResult, error) {
	records, err := s.AllForMapping(ctx, mappingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlations: %w", err)
	}

	enc := json.NewEncoder(w)
	for _, c := range records {
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode correlation %s: %w", c.Key(), err)
		}
	}

	return &ExportResult{Records: len(records)}, nil
}

// ImportOptions contains configuration for a snapshot import.
type ImportOptions struct {
	// MappingID overrides the mapping recorded in the snapshot lines when
	// non-empty, so a snapshot can seed a renamed mapping.
	MappingID string
	// DryRun parses and validates without writing.
	DryRun bool
}

// ImportResult contains statistics about a snapshot import.
type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// Import reads JSONL correlation lines from r and upserts them into the
// store. Lines that fail validation are reported in the result rather than
// aborting the import; malformed JSON aborts with an error.
func Import(ctx context.Context, s Store, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var c Correlation
		if err := decoder.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if opts.MappingID != "" {
			c.MappingID = opts.MappingID
		}

		if err := c.Validate(); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}

		if !opts.DryRun {
			if err := s.Upsert(ctx, &c); err != nil {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
				continue
			}
		}
		result.Imported++
	}

	return result, nil
}
