package cli

import (
	"fmt"

	"github.com/lingosub/lingosub/internal/broker"
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List supported providers and their parameter support",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, name := range broker.ProviderNames() {
			caps, _ := broker.ProviderCapabilities(broker.ProviderID(name))
			var features []string
			if caps.ReasoningEffort {
				features = append(features, "reasoning-effort")
			}
			if caps.ThinkingBudget {
				features = append(features, "thinking-budget")
			}
			if caps.TopK {
				features = append(features, "top-k")
			}
			if caps.Formality {
				features = append(features, "formality")
			}
			if caps.Streaming {
				features = append(features, "streaming")
			}
			if len(features) == 0 {
				fmt.Fprintf(out, "%s\n", name)
				continue
			}
			fmt.Fprintf(out, "%-16s %v\n", name, features)
		}
		return nil
	},
}
