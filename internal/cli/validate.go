package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate mycelium.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadAndValidateConfig(configPath); err != nil {
			return err
		}
		fmt.Println("Configuration is valid.")
		return nil
	},
}
