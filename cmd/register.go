package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var registerPath string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register or update a product profile and store its credentials",
	Long: `register reads a profile document, validates it, stores the credentials in
the secret store and persists the profile without them. An existing profile for
the same product is replaced.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.registrar().Register(cmd.Context(), registerPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered product %s with %d account(s)\n", p.ProductName, len(p.Accounts))
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVarP(&registerPath, "config", "c", "", "Profile document (JSON or YAML)")
	_ = registerCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(registerCmd)
}
