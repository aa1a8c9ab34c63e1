package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/nexusrelay/backlog"
	"github.com/INLOpen/nexusrelay/core"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newBacklogCmd() *cobra.Command {
	var (
		dir  string
		show   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "List the batch files of a writer backlog",
		Long:  "List the batch files of a writer backlog. The directory must not be in use by a running writer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			mode, err := resolveFormat(format, out)
			if err != nil {
				return err
			}
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("backlog directory %s: %w", dir, err)
			}
			store, err := backlog.Open(backlog.Options{Dir: dir, DryRun: true})
			if err != nil {
				return err
			}
			defer store.Close()

			if show != "" {
				_, records, err := backlog.ReadFile(filepath.Join(store.Dir(), core.BacklogFileName(show)))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				for _, r := range records {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			}

			if mode == formatJSON {
				enc := json.NewEncoder(out)
				for _, e := range store.Entries() {
					if err := enc.Encode(entryJSON{
						Token:     e.Token,
						CreatedAt: e.CreatedAt,
						Records:   e.Records,
						Size:      e.Size,
					}); err != nil {
						return err
					}
				}
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOKEN\tCREATED\tRECORDS\tSIZE")
			var records int
			var size int64
			for _, e := range store.Entries() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Token, e.CreatedAt.Format(time.RFC3339), e.Records, humanize.Bytes(uint64(e.Size)))
				records += e.Records
				size += e.Size
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d files, %d records, %s\n", store.Size(), records, humanize.Bytes(uint64(size)))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Backlog directory of a writer")
	cmd.Flags().StringVar(&show, "show", "", "Print the records of the file with this token as JSON lines")
	cmd.Flags().StringVar(&format, "format", formatAuto, "Listing format: auto, table or json")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

type entryJSON struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	Records   int       `json:"records"`
	Size      int64     `json:"size"`
}
