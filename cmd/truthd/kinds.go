package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/truthd/internal/kind"
)

func init() {
	rootCmd.AddCommand(kindsCmd)
}

var kindsCmd = &cobra.Command{
	Use:   "kinds [template]",
	Short: "Show built-in kind templates",
	Long: `Show the built-in kind templates and the kinds they define.

Without arguments, lists the available templates. With a template name,
prints its kind definitions.

Examples:
  truthd kinds
  truthd kinds intent -o yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			type templateSummary struct {
				Name        string   `json:"name" yaml:"name"`
				Description string   `json:"description" yaml:"description"`
				Kinds       []string `json:"kinds" yaml:"kinds"`
			}
			out := make([]templateSummary, 0, len(kind.Templates))
			for _, t := range kind.Templates {
				slugs := make([]string, len(t.Kinds))
				for i, d := range t.Kinds {
					slugs[i] = d.Slug
				}
				out = append(out, templateSummary{Name: t.Name, Description: t.Description, Kinds: slugs})
			}
			return render(out)
		}

		t := kind.TemplateByName(args[0])
		if t == nil {
			names := make([]string, len(kind.Templates))
			for i, tpl := range kind.Templates {
				names[i] = tpl.Name
			}
			return fmt.Errorf("unknown template %q, available: %s", args[0], strings.Join(names, ", "))
		}
		return render(t.Kinds)
	},
}
