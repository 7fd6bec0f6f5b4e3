package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Arnav-03/vecertify/internal/fingerprint"
	"github.com/Arnav-03/vecertify/internal/identity"
	"github.com/Arnav-03/vecertify/pkg/client"
	"github.com/Arnav-03/vecertify/pkg/ledgerclient"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	gatewayURL string
	ledgerURL  string
	cfgFile    string
	outFormat  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vcert",
	Short: "Certificate issuance and verification CLI",
	Long: `vcert issues certificates against a vecertify gateway and verifies
presented documents against the ledger.

A document is authentic only if its exact bytes were anchored by an
authorized issuer; any change to the file yields a different fingerprint.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".vcert"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("vcert")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if gatewayURL == "" {
			gatewayURL = viper.GetString("gateway_url")
		}
		if gatewayURL == "" {
			gatewayURL = "http://localhost:8080"
		}
		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8545"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.vcert/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "gateway base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledger node base URL (default http://localhost:8545)")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "text", "output format: text or json")

	rootCmd.AddCommand(hashCmd, issueCmd, verifyCmd, recordCmd, documentsCmd, keygenCmd, grantCmd, chainCmd, versionCmd)
}

func gateway() (*client.Client, error) {
	return client.New(gatewayURL)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── hash ─────────────────────────────────────────────────────────────────────

var (
	hashLocal     bool
	hashAlgorithm string
)

var hashCmd = &cobra.Command{
	Use:   "hash <file> [file] ...",
	Short: "Print the fingerprint of one or more documents",
	Long: `Hash prints each document's fingerprint. With --local the hash is computed
here; otherwise the gateway computes it, which guarantees the same algorithm
the gateway issues and verifies with.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var (
			hasher *fingerprint.Hasher
			gw     *client.Client
			err    error
		)
		if hashLocal {
			if hasher, err = fingerprint.NewHasher(fingerprint.Algorithm(hashAlgorithm)); err != nil {
				return err
			}
		} else if gw, err = gateway(); err != nil {
			return err
		}

		for _, path := range args {
			var fp string
			if hashLocal {
				sum, err := hasher.FromFile(ctx, path)
				if err != nil {
					return err
				}
				fp = sum.String()
			} else {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
				fp, err = gw.Hash(ctx, filepath.Base(path), f)
				f.Close()
				if err != nil {
					return fmt.Errorf("hash %s: %w", path, err)
				}
			}
			fmt.Printf("%s  %s\n", fp, path)
		}
		return nil
	},
}

func init() {
	hashCmd.Flags().BoolVar(&hashLocal, "local", false, "hash locally instead of asking the gateway")
	hashCmd.Flags().StringVar(&hashAlgorithm, "algorithm", string(fingerprint.DefaultAlgorithm), "hash algorithm for --local")
}

// ── issue ────────────────────────────────────────────────────────────────────

var (
	issueID      string
	issueSubject string
	issueName    string
	issueDate    string
	issueOrg     string
)

var issueCmd = &cobra.Command{
	Use:   "issue <file>",
	Short: "Issue a certificate to a subject",
	Example: `  vcert issue transcript.pdf --id CS-2024-0042 \
      --subject 0x5aeda56215b167893e80b4fe645ba6d5bab767de \
      --name "BSc Computer Science" --date 2024-06-01 --org "Example University"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().UTC()
		if issueDate != "" {
			d, err := time.Parse("2006-01-02", issueDate)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
			}
			date = d
		}
		gw, err := gateway()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := gw.Issue(cmd.Context(), client.IssueRequest{
			CertificateID:   issueID,
			Subject:         issueSubject,
			CertificateName: issueName,
			IssueDate:       date,
			IssuerOrg:       issueOrg,
		}, filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(res)
		}
		fmt.Printf("issued %s to %s\n", res.Certificate.CertificateID, res.Certificate.Subject)
		fmt.Printf("  fingerprint: %s\n", res.Certificate.Fingerprint)
		fmt.Printf("  issuer:      %s\n", res.Certificate.Issuer)
		fmt.Printf("  tx:          %s (entry %d)\n", res.Receipt.TxID, res.Receipt.EntryIndex)
		if res.Certificate.CertificateURL != "" {
			fmt.Printf("  file:        %s\n", res.Certificate.CertificateURL)
		}
		return nil
	},
}

func init() {
	issueCmd.Flags().StringVar(&issueID, "id", "", "certificate id (required)")
	issueCmd.Flags().StringVar(&issueSubject, "subject", "", "subject address (required)")
	issueCmd.Flags().StringVar(&issueName, "name", "", "certificate name (required)")
	issueCmd.Flags().StringVar(&issueDate, "date", "", "issue date YYYY-MM-DD (default today)")
	issueCmd.Flags().StringVar(&issueOrg, "org", "", "issuing organization")
	_ = issueCmd.MarkFlagRequired("id")
	_ = issueCmd.MarkFlagRequired("subject")
	_ = issueCmd.MarkFlagRequired("name")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyBy string

type verifyRow struct {
	path    string
	verdict *client.Verdict
	err     error
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file> [file] ...",
	Short: "Verify one or more presented documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := gateway()
		if err != nil {
			return err
		}

		rows := make([]verifyRow, len(args))
		var g errgroup.Group
		g.SetLimit(4)
		for i, path := range args {
			i, path := i, path
			g.Go(func() error {
				rows[i] = verifyOne(cmd.Context(), gw, path)
				return nil
			})
		}
		_ = g.Wait()

		if outFormat == "json" {
			out := make(map[string]any, len(rows))
			for _, r := range rows {
				if r.err != nil {
					out[r.path] = map[string]string{"error": r.err.Error()}
					continue
				}
				out[r.path] = r.verdict
			}
			return printJSON(out)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tAUTHENTIC\tSUBJECT\tCERTIFICATE\tISSUER")
		failed := 0
		for _, r := range rows {
			switch {
			case r.err != nil:
				failed++
				fmt.Fprintf(w, "%s\terror\t-\t-\t%v\n", r.path, r.err)
			case !r.verdict.IsAuthentic:
				failed++
				fmt.Fprintf(w, "%s\tno\t-\t-\t-\n", r.path)
			default:
				subject, name, issuer := "-", "(metadata unavailable)", "-"
				if m := r.verdict.Metadata; m != nil {
					subject, issuer = m.Subject, m.Issuer
					if r.verdict.MetadataAvailable {
						name = m.CertificateName
					}
				}
				fmt.Fprintf(w, "%s\tyes\t%s\t%s\t%s\n", r.path, subject, name, issuer)
			}
		}
		_ = w.Flush()
		if failed > 0 {
			return fmt.Errorf("%d of %d documents not verified", failed, len(rows))
		}
		return nil
	},
}

func verifyOne(ctx context.Context, gw *client.Client, path string) verifyRow {
	f, err := os.Open(path)
	if err != nil {
		return verifyRow{path: path, err: err}
	}
	defer f.Close()
	v, err := gw.Verify(ctx, filepath.Base(path), f, verifyBy)
	return verifyRow{path: path, verdict: v, err: err}
}

func init() {
	verifyCmd.Flags().StringVar(&verifyBy, "by", "", "verifier identity recorded in the audit log")
}

// ── record ───────────────────────────────────────────────────────────────────

var recordCmd = &cobra.Command{
	Use:   "record <fingerprint>",
	Short: "Show the ledger verdict and off-ledger record for a fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, err := fingerprint.Parse(args[0])
		if err != nil {
			return err
		}
		gw, err := gateway()
		if err != nil {
			return err
		}
		v, err := gw.VerifyFingerprint(cmd.Context(), fp.String(), verifyBy)
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(v)
		}
		if !v.IsAuthentic || v.LedgerRecord == nil {
			fmt.Printf("%s: not anchored\n  %s\n", fp.Short(), v.Diagnostic)
			return nil
		}
		r := v.LedgerRecord
		fmt.Printf("%s: anchored\n", fp.Short())
		fmt.Printf("  subject:   %s\n", r.Subject)
		fmt.Printf("  authority: %s\n", r.Authority)
		fmt.Printf("  issued at: %s\n", r.IssuedAt.Format(time.RFC3339))
		fmt.Printf("  tx:        %s\n", r.TxID)
		if m := v.Metadata; v.MetadataAvailable && m != nil {
			fmt.Printf("  certificate: %s (%s) from %s, dated %s\n",
				m.CertificateName, m.CertificateID, m.IssuerOrg, m.IssueDate.Format("2006-01-02"))
		} else if v.Diagnostic != "" {
			fmt.Printf("  %s\n", v.Diagnostic)
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&verifyBy, "by", "", "verifier identity recorded in the audit log")
}

// ── documents ────────────────────────────────────────────────────────────────

var documentsCmd = &cobra.Command{
	Use:   "documents <subject>",
	Short: "List the documents anchored to a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := gateway()
		if err != nil {
			return err
		}
		docs, err := gw.SubjectDocuments(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outFormat == "json" {
			return printJSON(docs)
		}
		if len(docs) == 0 {
			fmt.Println("no documents")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FINGERPRINT\tCERTIFICATE ID\tNAME\tISSUE DATE")
		for _, d := range docs {
			if d.Certificate == nil {
				fmt.Fprintf(w, "%s\t-\t-\t-\n", d.Fingerprint)
				continue
			}
			c := d.Certificate
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Fingerprint, c.CertificateID, c.CertificateName, c.IssueDate.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an issuer signing key and print its address",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keygenOut); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite", keygenOut)
		}
		s, err := identity.LoadOrCreateSigner(keygenOut)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s\naddress: %s\n", keygenOut, s.Address())
		return nil
	},
}

func init() {
	home, _ := os.UserHomeDir()
	keygenCmd.Flags().StringVar(&keygenOut, "out", filepath.Join(home, ".vcert", "signer.pem"), "key file to write")
}

// ── grant ────────────────────────────────────────────────────────────────────

var (
	grantOwnerKey string
	grantNetwork  uint64
)

var grantCmd = &cobra.Command{
	Use:   "grant <address>",
	Short: "Authorize an issuer address on the ledger (owner only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := identity.ParseAddress(args[0])
		if err != nil {
			return err
		}
		owner, err := identity.LoadSigner(grantOwnerKey)
		if err != nil {
			return err
		}
		node := ledgerclient.New(ledgerURL)
		network := grantNetwork
		if network == 0 {
			info, err := node.Network(cmd.Context())
			if err != nil {
				return fmt.Errorf("query network: %w", err)
			}
			network = info.NetworkID
		}
		tx, err := owner.SignGrant(network, addr)
		if err != nil {
			return err
		}
		receipt, err := node.Grant(cmd.Context(), tx)
		if err != nil {
			return err
		}
		fmt.Printf("granted %s (tx %s, entry %d)\n", addr, receipt.TxID, receipt.EntryIndex)
		return nil
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantOwnerKey, "owner-key", "", "ledger owner key file (required)")
	grantCmd.Flags().Uint64Var(&grantNetwork, "network-id", 0, "network id to bind the grant to (default: ask the node)")
	_ = grantCmd.MarkFlagRequired("owner-key")
}

// ── chain ────────────────────────────────────────────────────────────────────

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Ask the ledger node to verify its transaction chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		node := ledgerclient.New(ledgerURL, ledgerclient.WithTimeout(2*time.Minute))
		info, err := node.Network(cmd.Context())
		if err != nil {
			return err
		}
		valid, reason, err := node.VerifyChain(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("network %d (%s), %d entries, head %s\n", info.NetworkID, info.Name, info.Entries, info.Head)
		if !valid {
			return fmt.Errorf("chain integrity check failed: %s", reason)
		}
		fmt.Println("chain valid")
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vcert %s\n", version)
	},
}
