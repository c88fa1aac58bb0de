package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// wantJSON resolves --output. "auto" prints JSON when stdout is a pipe or
// file, so scripted callers get machine-readable output.
func wantJSON(cmd *cobra.Command) (bool, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "json":
		return true, nil
	case "text":
		return false, nil
	case "", "auto":
		f, ok := cmd.OutOrStdout().(*os.File)
		if !ok {
			return false, nil
		}
		return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()), nil
	default:
		return false, fmt.Errorf("unknown output format %q", format)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit writes v as JSON or its text rendering, depending on --output.
func emit(cmd *cobra.Command, v any, text func() string) error {
	asJSON, err := wantJSON(cmd)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), v)
	}
	_, err = io.WriteString(cmd.OutOrStdout(), text())
	return err
}
