package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apex-audit/apex-audit/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a record signing key, or a salt for passphrase-derived keys",
	Long: `Prints environment assignments for the signing configuration. By default a
random HMAC key is generated; with --salt a PBKDF2 salt is printed instead, for
use together with APEX_AUDIT_SIGNATURE_PASSPHRASE.

Changing the key invalidates the signatures of every existing record.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().Bool("salt", false, "generate a key-derivation salt instead of a key")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	withSalt, _ := cmd.Flags().GetBool("salt")
	out := cmd.OutOrStdout()

	if withSalt {
		salt, err := auth.GenerateSalt()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "APEX_AUDIT_SIGNATURE_SALT=%s\n", salt)
		return nil
	}

	key, err := auth.GenerateSigningKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "APEX_AUDIT_SIGNATURE_KEY=%s\n", key)
	return nil
}
