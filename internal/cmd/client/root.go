package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command holding the operator command
// groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "regflow",
		Short: "regflow operator commands",
	}
	root.AddCommand(NewQueueCommand(baseURL))
	root.AddCommand(NewRegistrationCommand(baseURL))
	return root
}
