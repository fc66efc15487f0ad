package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"equity-recon/internal/app"
)

var prioritySet []string

var prioritiesCmd = &cobra.Command{
	Use:   "priorities",
	Short: "Print the resolved provider order",
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := parsePriorityOverrides(prioritySet)
		if err != nil {
			return err
		}
		return getApp().Priorities(cmd.Context(), app.PriorityOptions{Set: set})
	},
}

func init() {
	prioritiesCmd.Flags().StringSliceVar(&prioritySet, "set", nil, "Store an override as adapter=priority (repeatable)")
}

func parsePriorityOverrides(values []string) (map[string]int, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(values))
	for _, v := range values {
		name, raw, ok := strings.Cut(v, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --set %q, want adapter=priority", v)
		}
		p, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid priority in --set %q: %w", v, err)
		}
		out[name] = p
	}
	return out, nil
}
