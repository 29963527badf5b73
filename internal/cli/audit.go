package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/adminguard/internal/audit"
	"github.com/ppiankov/adminguard/internal/config"
	"github.com/ppiankov/adminguard/internal/server"
)

var (
	verifyFrom   int64
	verifyTo     int64
	tailLines    int
	tailJSON     bool
	attestDay    string
	attestKey    string
	attestOut    string
	keygenOut    string
	checkPubKey  string
	errTampered  = errors.New("audit chain verification failed")
	errForgedAtt = errors.New("attestation does not match the ledger")
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd, auditAttestCmd, auditKeygenCmd, auditCheckCmd)

	auditVerifyCmd.Flags().Int64Var(&verifyFrom, "from", 1, "First ledger id to verify")
	auditVerifyCmd.Flags().Int64Var(&verifyTo, "to", 0, "Last ledger id to verify (0 = tip)")
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditTailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print entries as JSON")
	auditAttestCmd.Flags().StringVar(&attestDay, "day", "", "UTC day to attest, YYYY-MM-DD (default yesterday)")
	auditAttestCmd.Flags().StringVar(&attestKey, "key", "", "Ed25519 key file (default attestation.key_path)")
	auditAttestCmd.Flags().StringVarP(&attestOut, "out", "o", "", "Write the attestation to this file instead of stdout")
	auditKeygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "Key file to create (default attestation.key_path)")
	auditCheckCmd.Flags().StringVar(&checkPubKey, "pub", "", "Expected public key (hex); default the key embedded in the attestation")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit ledger operations",
	Long:  "Commands for verifying, inspecting and attesting the hash-chained audit ledger.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity of the ledger",
	Long:  "Recomputes every row hash from its stored fields and the previous row's\nhash. Exits 0 if valid, 1 at the first broken row.",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runAuditTail,
}

var auditAttestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Sign the last ledger hash of a day",
	Long:  "Verifies the chain up to the last row of the given UTC day and signs that\nrow's hash with Ed25519. Publish the output somewhere the database\noperators cannot rewrite.",
	Args:  cobra.NoArgs,
	RunE:  runAuditAttest,
}

var auditKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create an Ed25519 attestation key",
	Args:  cobra.NoArgs,
	RunE:  runAuditKeygen,
}

var auditCheckCmd = &cobra.Command{
	Use:   "check-attestation <file>",
	Short: "Check an attestation signature and that the ledger still matches it",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditCheck,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(core *server.Core, _ *config.Config) error {
		res, err := core.Ledger.VerifyChain(cmd.Context(), verifyFrom, verifyTo)
		if err != nil {
			return err
		}
		if res.Valid {
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", res.Records)
			return nil
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at row %d: %s\n", res.BrokenAt, res.Error)
		return errTampered
	})
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(core *server.Core, _ *config.Config) error {
		recs, err := core.Ledger.Tail(cmd.Context(), tailLines)
		if err != nil {
			return err
		}
		if tailJSON {
			out, err := audit.FormatJSON(recs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), audit.FormatTimeline(recs))
		return nil
	})
}

func runAuditAttest(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(core *server.Core, cfg *config.Config) error {
		keyPath := attestKey
		if keyPath == "" {
			keyPath = cfg.Attestation.KeyPath
		}
		if keyPath == "" {
			return fmt.Errorf("no key: pass --key or set attestation.key_path")
		}
		key, err := audit.LoadKey(keyPath)
		if err != nil {
			return err
		}

		day := time.Now().UTC().AddDate(0, 0, -1)
		if attestDay != "" {
			day, err = time.Parse("2006-01-02", attestDay)
			if err != nil {
				return fmt.Errorf("invalid --day %q: %w", attestDay, err)
			}
		}

		att, err := core.Ledger.Attest(cmd.Context(), key, day)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(att, "", "  ")
		if attestOut != "" {
			if err := os.WriteFile(attestOut, append(out, '\n'), 0o644); err != nil {
				return fmt.Errorf("write attestation: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Attested %s at row %d\n", att.Day, att.TipID)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	})
}

func runAuditKeygen(cmd *cobra.Command, args []string) error {
	path := keygenOut
	if path == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Attestation.KeyPath
	}
	if path == "" {
		return fmt.Errorf("no key path: pass --out or set attestation.key_path")
	}
	key, err := audit.GenerateKey(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Key written to %s\nPublic key: %x\n", path, key.Public())
	return nil
}

func runAuditCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read attestation: %w", err)
	}
	var att audit.Attestation
	if err := json.Unmarshal(data, &att); err != nil {
		return fmt.Errorf("parse attestation: %w", err)
	}
	pubHex := checkPubKey
	if pubHex == "" {
		pubHex = att.PublicKey
	}
	pub, err := audit.ParsePublicKey(pubHex)
	if err != nil {
		return err
	}
	if err := audit.VerifyAttestation(att, pub); err != nil {
		return err
	}

	return withCore(cmd.Context(), func(core *server.Core, _ *config.Config) error {
		rec, err := core.Ledger.Get(cmd.Context(), att.TipID)
		if err != nil {
			return fmt.Errorf("load attested row %d: %w", att.TipID, err)
		}
		if rec.RowHash != att.TipHash {
			fmt.Fprintf(cmd.ErrOrStderr(), "row %d hash %s, attested %s\n", att.TipID, rec.RowHash, att.TipHash)
			return errForgedAtt
		}
		res, err := core.Ledger.VerifyChain(cmd.Context(), 1, att.TipID)
		if err != nil {
			return err
		}
		if !res.Valid {
			fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at row %d: %s\n", res.BrokenAt, res.Error)
			return errTampered
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %s attested at row %d, %d entries verified\n", att.Day, att.TipID, res.Records)
		return nil
	})
}
