package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gortc/stun"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "generate a long-term credential integrity key",
	Run: func(cmd *cobra.Command, args []string) {
		f := cmd.Flags()
		user, _ := f.GetString("user")
		realm, _ := f.GetString("realm")
		password, _ := f.GetString("password")
		key := stun.NewLongTermIntegrity(user, realm, password)
		fmt.Printf("0x%s\n", hex.EncodeToString(key))
	},
}

func init() {
	keyCmd.Flags().StringP("user", "u", "", "username")
	keyCmd.Flags().StringP("password", "p", "", "password")
	keyCmd.Flags().StringP("realm", "r", "", "realm")
	rootCmd.AddCommand(keyCmd)
}
