package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Antoniskp/apofasifast/pkg/canonicalize"
	"github.com/Antoniskp/apofasifast/pkg/chain"
	"github.com/Antoniskp/apofasifast/pkg/config"
	"github.com/Antoniskp/apofasifast/pkg/store"
	"github.com/Antoniskp/apofasifast/pkg/store/sqlstore"
)

// runAppendCmd implements `apofasi append`.
func runAppendCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("append", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		common     commonFlags
		eventType  string
		payload    string
		jsonOutput bool
	)
	common.register(cmd)
	cmd.StringVar(&eventType, "type", "", "Event type (REQUIRED)")
	cmd.StringVar(&payload, "payload", "{}", "Event payload as JSON")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the stored record as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if eventType == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --type is required")
		return exitError
	}
	value, err := canonicalize.Parse([]byte(payload))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid --payload: %v\n", err)
		return exitError
	}

	ctx := context.Background()
	a, err := openApp(ctx, common.configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = a.Close(ctx) }()

	rec, err := a.service.Append(ctx, a.chain(common.chainID), eventType, value)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: append failed: %v\n", err)
		return exitError
	}

	if jsonOutput {
		return printJSON(stdout, stderr, rec)
	}
	_, _ = fmt.Fprintf(stdout, "appended %s seq=%d hash=%s\n", rec.ID, rec.Seq, rec.Hash)
	return exitOK
}

// runVerifyCmd implements `apofasi verify`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = tampering detected or a record is unreadable
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		common     commonFlags
		jsonOutput bool
	)
	common.register(cmd)
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
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
	rep, err := a.service.Verify(ctx, chainID)
	if err != nil {
		if errors.Is(err, chain.ErrMalformedInput) {
			_, _ = fmt.Fprintf(stdout, "❌ Chain %s verification FAILED\n", chainID)
			_, _ = fmt.Fprintf(stdout, "  %v\n", err)
			return exitIntegrity
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if jsonOutput {
		if code := printJSON(stdout, stderr, rep); code != exitOK {
			return code
		}
	} else if rep.Result.Valid {
		_, _ = fmt.Fprintf(stdout, "✅ Chain %s verification PASSED\n", rep.ChainID)
		_, _ = fmt.Fprintf(stdout, "Records: %d\n", rep.Length)
		if rep.Head != "" {
			_, _ = fmt.Fprintf(stdout, "Head: %s\n", rep.Head)
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Chain %s verification FAILED\n", rep.ChainID)
		_, _ = fmt.Fprintf(stdout, "  %s\n", rep.Result)
	}

	if !rep.Result.Valid {
		return exitIntegrity
	}
	return exitOK
}

// runListCmd implements `apofasi list`.
func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		common     commonFlags
		filter     store.QueryFilter
		jsonOutput bool
	)
	common.register(cmd)
	cmd.StringVar(&filter.EventType, "type", "", "Only records of this event type")
	cmd.Uint64Var(&filter.StartSeq, "from", 0, "First sequence number")
	cmd.Uint64Var(&filter.EndSeq, "to", 0, "Last sequence number")
	cmd.IntVar(&filter.MaxResults, "limit", 0, "Maximum number of records")
	cmd.BoolVar(&jsonOutput, "json", false, "Output records as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	ctx := context.Background()
	a, err := openApp(ctx, common.configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = a.Close(ctx) }()

	records, err := a.service.Query(ctx, a.chain(common.chainID), filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if jsonOutput {
		if records == nil {
			records = []chain.Record{}
		}
		return printJSON(stdout, stderr, records)
	}
	for _, r := range records {
		_, _ = fmt.Fprintf(stdout, "%6d  %s  %-20s %s  %s\n", r.Seq, r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), r.EventType, r.Hash, string(r.Payload))
	}
	return exitOK
}

// runHeadCmd implements `apofasi head`.
func runHeadCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("head", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		common     commonFlags
		jsonOutput bool
	)
	common.register(cmd)
	cmd.BoolVar(&jsonOutput, "json", false, "Output the record as JSON")

	if err := cmd.Parse(args); err != nil {
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
	rec, ok, err := a.service.Head(ctx, chainID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Chain %s is empty\n", chainID)
		return exitOK
	}

	if jsonOutput {
		return printJSON(stdout, stderr, rec)
	}
	_, _ = fmt.Fprintf(stdout, "%s seq=%d hash=%s\n", rec.ID, rec.Seq, rec.Hash)
	return exitOK
}

// runMigrateCmd applies the SQL migrations for the configured store.
func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	ctx := context.Background()
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	st, closer, err := openStore(ctx, cfg, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if closer != nil {
		defer func() { _ = closer() }()
	}

	sqlStore, ok := st.(*sqlstore.Store)
	if !ok {
		_, _ = fmt.Fprintf(stdout, "Store %q has no schema to migrate\n", cfg.Store)
		return exitOK
	}
	if err := sqlStore.Init(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	_, _ = fmt.Fprintf(stdout, "Migrations applied to %s store\n", cfg.Store)
	return exitOK
}

func printJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode output: %v\n", err)
		return exitError
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return exitOK
}
