package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/transport"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM signing key commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM signing key",
	Long:  `Generate a new RSA 2048-bit DKIM key and print the TXT record to publish.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the TXT record for a signing key",
	Long: `Show the DNS TXT record for an existing key. With -c the key, domain and
selector come from transport.dkim.`,
	RunE: runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "mailcast", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "mailcast", "DKIM selector")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	keyPath := filepath.Join(dkimOutDir, dkimDomain+".key")
	signer, err := transport.GenerateSigner(keyPath, dkimDomain, dkimSelector)
	if err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	return printDKIMRecord(cmd.OutOrStdout(), signer)
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !cfg.Transport.DKIM.Enabled {
			return fmt.Errorf("transport.dkim is not enabled in %s", cfgFile)
		}
		dkimKeyFile = cfg.Transport.DKIM.KeyFile
		dkimDomain = cfg.Transport.DKIM.Domain
		dkimSelector = cfg.Transport.DKIM.Selector
	}
	if dkimKeyFile == "" || dkimDomain == "" {
		return fmt.Errorf("--key and --domain are required without -c")
	}

	signer, err := transport.LoadSigner(dkimKeyFile, dkimDomain, dkimSelector)
	if err != nil {
		return err
	}
	return printDKIMRecord(cmd.OutOrStdout(), signer)
}

func printDKIMRecord(w io.Writer, signer *transport.Signer) error {
	record, err := signer.DNSRecord()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "DNS Record:\n")
	fmt.Fprintf(w, "  Name: %s\n", signer.DNSName())
	fmt.Fprintf(w, "  Type: TXT\n")
	fmt.Fprintf(w, "  Value: %s\n", record)
	return nil
}
