package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/lineagesync/internal/checkpoint"
	"github.com/agentworkforce/lineagesync/internal/lineage"
)

func newCheckpointCommand(opts *rootOptions) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Print the persisted resume checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				_, dsn, err = cfg.Storage.DSNs()
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return printCheckpoint(ctx, cmd.OutOrStdout(), dsn)
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "checkpoint backend DSN (defaults to LINEAGESYNC_CHECKPOINT_DSN)")
	return cmd
}

func printCheckpoint(ctx context.Context, out io.Writer, dsn string) error {
	backend, err := checkpoint.NewRegistry().Build(dsn)
	if err != nil {
		return fmt.Errorf("open checkpoint backend: %w", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}
	cp, err := backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	payload := map[string]any{"backend": redactDSN(dsn), "timestamp": nil}
	if cp != nil {
		payload["timestamp"] = cp.Timestamp.UTC().Format(time.RFC3339Nano)
		payload["updatedAt"] = cp.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a JSON-lines event file against the event schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			return validateEvents(file, cmd.OutOrStdout())
		},
	}
}

// validateEvents reports every invalid line and fails when any was found.
// Blank lines are skipped.
func validateEvents(in io.Reader, out io.Writer) error {
	validator, err := lineage.NewValidator()
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	valid, invalid, line := 0, 0, 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if _, err := validator.Parse(raw); err != nil {
			invalid++
			fmt.Fprintf(out, "line %d: %v\n", line, err)
			continue
		}
		valid++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	fmt.Fprintf(out, "%d valid, %d invalid\n", valid, invalid)
	if invalid > 0 {
		return fmt.Errorf("%d invalid events", invalid)
	}
	return nil
}

// redactDSN hides credentials in a DSN before it is logged.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
