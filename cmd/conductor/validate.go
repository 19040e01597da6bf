package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>",
	Short: "Check a workflow file without running it",
	Long: `Parse a workflow file and compile its dependency graph.

Reports unknown fields, invalid tiers, duplicate or missing node ids,
dependencies on undeclared nodes, and cycles. On success, prints the nodes
in execution order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, g, err := workflow.Compile(args[0])
		if err != nil {
			fmt.Printf("%s %v\n", color.RedString("✗"), err)
			return err
		}

		fmt.Printf("%s %s: %d nodes\n", color.GreenString("✓"), wf.Name, g.Len())
		for _, id := range g.TopologicalOrder() {
			node, _ := g.Node(id)
			line := "  " + id
			if node.IsFork() {
				line += color.CyanString(" [fork x%d]", len(node.Specs))
			}
			if deps := g.Dependencies(id); len(deps) > 0 {
				line += color.HiBlackString(" <- %s", strings.Join(deps, ", "))
			}
			fmt.Println(line)
		}
		return nil
	},
}
