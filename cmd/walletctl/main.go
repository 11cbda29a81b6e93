package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"

	"github.com/rawblock/mutaset/internal/wallet"
)

func main() {
	var dataDir, network string

	root := &cobra.Command{
		Use:   "walletctl",
		Short: "manages the mutaset wallet secret independent of a running node",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", getEnvOrDefault("MUTASET_DATA_DIR", "./data"), "directory holding the node's persistent state")
	root.PersistentFlags().StringVar(&network, "network", getEnvOrDefault("MUTASET_NETWORK", "mainnet"), "network this wallet belongs to")

	root.AddCommand(
		&cobra.Command{
			Use:   "generate-wallet",
			Short: "generate a new wallet",
			RunE: func(cmd *cobra.Command, args []string) error {
				return generateWallet(walletDir(dataDir, network))
			},
		},
		&cobra.Command{
			Use:   "which-wallet",
			Short: "displays the path to the wallet secrets file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return whichWallet(walletDir(dataDir, network))
			},
		},
		&cobra.Command{
			Use:   "export-seed-phrase",
			Short: "export the wallet's mnemonic seed phrase",
			RunE: func(cmd *cobra.Command, args []string) error {
				return exportSeedPhrase(walletDir(dataDir, network))
			},
		},
		&cobra.Command{
			Use:   "import-seed-phrase",
			Short: "import a wallet from a mnemonic seed phrase",
			RunE: func(cmd *cobra.Command, args []string) error {
				return importSeedPhrase(walletDir(dataDir, network), cmd.InOrStdin())
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func walletDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "wallet")
}

func secretPath(dir string) string {
	return filepath.Join(dir, wallet.SecretFileName)
}

func generateWallet(dir string) error {
	path := secretPath(dir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("wallet file %s already exists; remove it first to generate a new one", path)
	}

	mnemonic, _, err := wallet.GenerateMnemonic()
	if err != nil {
		return fmt.Errorf("generate mnemonic: %w", err)
	}

	if err := wallet.SaveSecretFile(path, wallet.SecretFile{Mnemonic: mnemonic}); err != nil {
		return fmt.Errorf("write wallet secret: %w", err)
	}

	fmt.Printf("Wallet stored in: %s\n", path)
	fmt.Println("To display the seed phrase, run `walletctl export-seed-phrase`.")
	return nil
}

func whichWallet(dir string) error {
	path := secretPath(dir)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no wallet file found at %s", path)
	}
	fmt.Println(path)
	return nil
}

func exportSeedPhrase(dir string) error {
	path := secretPath(dir)
	secret, err := wallet.LoadSecretFile(path)
	if err != nil {
		return fmt.Errorf("cannot export seed phrase: no wallet file at %s; generate one with `walletctl generate-wallet` or import one with `walletctl import-seed-phrase`", path)
	}
	for i, word := range strings.Fields(secret.Mnemonic) {
		fmt.Printf("%d. %s\n", i+1, word)
	}
	return nil
}

// importSeedPhrase reads a 24-word mnemonic interactively from stdin,
// validating each word against the BIP-39 English wordlist as it is
// typed, prompting again on an unrecognized word instead of aborting.
func importSeedPhrase(dir string, stdin io.Reader) error {
	path := secretPath(dir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("cannot import seed phrase; wallet file %s already exists; move or remove it first", path)
	}

	fmt.Println("Importing seed phrase. Please enter words:")
	words := make([]string, 0, 24)
	reader := bufio.NewScanner(stdin)
	for len(words) < 24 {
		fmt.Printf("%d. ", len(words)+1)
		if !reader.Scan() {
			break
		}
		word := strings.TrimSpace(reader.Text())
		if word == "" {
			continue
		}
		if !isKnownWord(word) {
			fmt.Printf("Did not recognize word %q; please try again.\n", word)
			continue
		}
		words = append(words, word)
	}

	mnemonic := strings.Join(words, " ")
	if _, err := wallet.SeedFromMnemonic(mnemonic, ""); err != nil {
		return fmt.Errorf("invalid seed phrase: %w", err)
	}

	fmt.Printf("Saving wallet to disk at %s ...\n", path)
	if err := wallet.SaveSecretFile(path, wallet.SecretFile{Mnemonic: mnemonic}); err != nil {
		return fmt.Errorf("write wallet secret: %w", err)
	}
	fmt.Println("Success.")
	return nil
}

func isKnownWord(word string) bool {
	for _, w := range bip39.GetWordList() {
		if w == word {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
