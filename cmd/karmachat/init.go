package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.karmachat/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		doc, err := loadDocument(path)
		if err != nil {
			return err
		}
		if err := setConfigValue(doc, "session.token", args[0]); err != nil {
			return err
		}
		if err := saveDocument(path, doc); err != nil {
			return err
		}
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
