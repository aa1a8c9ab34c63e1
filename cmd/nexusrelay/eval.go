package main

import (
	"encoding/json"
	"fmt"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/template"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newEvalCmd() *cobra.Command {
	var (
		templatePath string
		data         string
		count        int
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a writer definition against JSON data and print the records",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := template.ParseFile(templatePath)
			if err != nil {
				return err
			}
			// JSON is decoded as YAML so integers stay integers.
			var raw any
			if err := yaml.Unmarshal([]byte(data), &raw); err != nil {
				return fmt.Errorf("invalid --data: %w", err)
			}
			value, err := core.FromNative(raw)
			if err != nil {
				return err
			}

			items := []core.Value{value}
			if list, ok := value.AsList(); ok {
				items = list
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			if isTerminal(out) {
				enc.SetIndent("", "  ")
			}
			// Repeated rounds show the effect of onoff blocks.
			for round := 0; round < count; round++ {
				for _, item := range items {
					record, err := def.Evaluate(core.Scope{"data": item})
					if err != nil {
						return err
					}
					if err := enc.Encode(record); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&templatePath, "template", "t", "", "YAML file holding the $def definition")
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON item or list of items")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of evaluation rounds")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

