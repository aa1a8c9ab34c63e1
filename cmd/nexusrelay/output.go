package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

const (
	formatAuto  = "auto"
	formatTable = "table"
	formatJSON  = "json"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// resolveFormat maps "auto" to a table on terminals and to JSON lines
// everywhere else, so the output stays machine readable in pipes.
func resolveFormat(format string, w io.Writer) (string, error) {
	switch format {
	case formatTable, formatJSON:
		return format, nil
	case "", formatAuto:
		if isTerminal(w) {
			return formatTable, nil
		}
		return formatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q, expected auto, table or json", format)
}
