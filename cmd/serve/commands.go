package serve

import "github.com/spf13/cobra"

// Actions defines the server lifecycle operation.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
}

// Commands builds the serve command set.
func Commands(h Actions) []*cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Lumen server",
		RunE:  h.Serve,
	}
	serveCmd.Flags().String("listen", "", "HTTP bind address (overrides config)")
	return []*cobra.Command{serveCmd}
}
