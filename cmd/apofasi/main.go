package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Exit codes shared by every subcommand.
const (
	exitOK        = 0
	exitIntegrity = 1
	exitError     = 2
)

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitError
	}

	switch args[1] {
	case "append":
		return runAppendCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "head":
		return runHeadCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify-bundle":
		return runVerifyBundleCmd(args[2:], stdout, stderr)
	case "migrate":
		return runMigrateCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "apofasi %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitError
	}
}

// ANSI Colors
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sapofasi %s%s\n", colorBold+colorBlue, version, colorReset)
	_, _ = fmt.Fprintf(w, "%sTamper-evident audit event log.%s\n", colorGray, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  apofasi <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "CHAIN")
	printCommand(w, "append", "Append an event (--type, --payload, --chain)")
	printCommand(w, "verify", "Verify a chain end to end (--chain, --json)")
	printCommand(w, "list", "List the records of a chain (--chain, --type, --json)")
	printCommand(w, "head", "Show the last record of a chain (--chain)")

	printSection(w, "AUDITOR HAND-OFF")
	printCommand(w, "export", "Export a chain as a bundle (--out, --sign, --save)")
	printCommand(w, "verify-bundle", "Verify an exported bundle (--bundle | --ref, --pubkey, --json)")

	printSection(w, "UTILITIES")
	printCommand(w, "migrate", "Apply SQL schema migrations")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Every command accepts --config <file.yaml>. APOFASI_* environment variables override it.")
	_, _ = fmt.Fprintln(w, "Exit codes: 0 ok, 1 integrity failure, 2 usage or runtime error.")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-14s%s %s\n", colorGreen, name, colorReset, desc)
}
