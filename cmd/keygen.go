package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mezonai/blockswarm/config"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 identity key for a server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(filepath.Dir(keygenOut), 0o755); err != nil {
			return err
		}
		pub, err := config.WriteEd25519PrivKey(keygenOut)
		if err != nil {
			return err
		}
		priv, err := config.LoadEd25519PrivKey(keygenOut)
		if err != nil {
			return err
		}
		fmt.Printf("Public Key: %s\n", hex.EncodeToString(pub))
		fmt.Printf("Public Key (base58): %s\n", base58.Encode(pub))
		if id, err := peerIDOf(priv); err == nil {
			fmt.Printf("Peer ID: %s\n", id)
		}
		fmt.Printf("Identity key written to %s\n", keygenOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "config/identity.key", "Where to write the hex encoded private key")
}
