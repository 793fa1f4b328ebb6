package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Antoniskp/apofasifast/pkg/archive"
	"github.com/Antoniskp/apofasifast/pkg/artifacts"
	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/config"
	"github.com/Antoniskp/apofasifast/pkg/crypto"
)

// runExportCmd implements `apofasi export`.
//
// The bundle is written to --out, stored in the configured artifact store
// with --save, or both.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		common  commonFlags
		outPath string
		sign    bool
		save    bool
	)
	common.register(cmd)
	cmd.StringVar(&outPath, "out", "", "Output path for the bundle JSON")
	cmd.BoolVar(&sign, "sign", false, "Sign the bundle with the key at APOFASI_SIGNING_KEY_PATH")
	cmd.BoolVar(&save, "save", false, "Store the bundle in the configured artifact store")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if outPath == "" && !save {
		_, _ = fmt.Fprintln(stderr, "Error: --out or --save is required")
		return exitError
	}

	ctx := context.Background()
	a, err := openApp(ctx, common.configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = a.Close(ctx) }()

	chainID := a.chain(common.chainID)
	records, err := a.service.List(ctx, chainID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	var opts []archive.ExportOption
	if sign {
		if a.cfg.SigningKeyPath == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --sign needs APOFASI_SIGNING_KEY_PATH")
			return exitError
		}
		signer, err := crypto.LoadOrGenerateSigner(a.cfg.SigningKeyPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		opts = append(opts, archive.WithSigner(signer, signer.KeyID))
	}

	bundle, err := archive.Export(chainID, records, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return exitError
	}

	if outPath != "" {
		data, err := archive.Marshal(bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		if err := os.WriteFile(outPath, data, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write bundle: %v\n", err)
			return exitError
		}
		_, _ = fmt.Fprintf(stdout, "Bundle written to %s\n", outPath)
	}
	if save {
		st, err := artifacts.NewStore(ctx, a.cfg.Artifacts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		ref, err := archive.Save(ctx, st, bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		_, _ = fmt.Fprintf(stdout, "Bundle stored as %s\n", ref)
	}

	a.logger.InfoContext(ctx, "chain exported",
		"chain_id", chainID,
		"bundle_id", bundle.BundleID,
		"entries", bundle.EntryCount,
		"signed", bundle.Signature != "",
	)
	return exitOK
}

// runVerifyBundleCmd implements `apofasi verify-bundle`.
//
// Exit codes:
//
//	0 = bundle and chain intact
//	1 = seal, signature or chain check failed
//	2 = runtime error
func runVerifyBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		ref        string
		configPath string
		pubKey     string
		requireSig bool
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to a bundle JSON file")
	cmd.StringVar(&ref, "ref", "", "Artifact reference of a saved bundle (sha256:...)")
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file (for --ref)")
	cmd.StringVar(&pubKey, "pubkey", "", "Hex Ed25519 public key the bundle must be signed with")
	cmd.BoolVar(&requireSig, "require-signature", false, "Fail unsigned bundles")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if (bundlePath == "") == (ref == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --bundle or --ref is required")
		return exitError
	}

	ctx := context.Background()
	bundle, err := loadBundle(ctx, bundlePath, ref, configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	var opts []archive.VerifyOption
	if requireSig {
		opts = append(opts, archive.RequireSignature())
	}
	if pubKey != "" {
		opts = append(opts, archive.WithTrustedKey(pubKey))
	}

	v, verr := archive.VerifyBundle(bundle, opts...)
	if verr != nil && !isIntegrityError(verr) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", verr)
		return exitError
	}
	passed := verr == nil && v.Result.Valid

	if jsonOutput {
		out := struct {
			archive.Verification
			Verified bool   `json:"verified"`
			Error    string `json:"error,omitempty"`
		}{Verification: v, Verified: passed}
		if verr != nil {
			out.Error = verr.Error()
		}
		if code := printJSON(stdout, stderr, out); code != exitOK {
			return code
		}
	} else if passed {
		_, _ = fmt.Fprintln(stdout, "✅ Bundle verification PASSED")
		_, _ = fmt.Fprintf(stdout, "Bundle: %s (chain %s, %d records)\n", v.BundleID, v.ChainID, v.EntryCount)
		if v.Signed {
			_, _ = fmt.Fprintf(stdout, "Signed by: %s\n", v.KeyID)
		}
	} else {
		_, _ = fmt.Fprintln(stdout, "❌ Bundle verification FAILED")
		_, _ = fmt.Fprintf(stdout, "Bundle: %s (chain %s)\n", v.BundleID, v.ChainID)
		if verr != nil {
			_, _ = fmt.Fprintf(stdout, "  - %v\n", verr)
		} else {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", v.Result)
		}
	}

	if !passed {
		return exitIntegrity
	}
	return exitOK
}

func loadBundle(ctx context.Context, path, ref, configPath string) (*archive.Bundle, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read bundle: %w", err)
		}
		return archive.Unmarshal(data)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	st, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	return archive.Load(ctx, st, ref)
}

func isIntegrityError(err error) bool {
	return errors.Is(err, archive.ErrTampered) ||
		errors.Is(err, archive.ErrBadSignature) ||
		errors.Is(err, archive.ErrUnsigned) ||
		errors.Is(err, archive.ErrNotFromGenesis) ||
		errors.Is(err, chain.ErrMalformedInput)
}
