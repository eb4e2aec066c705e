package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/majorcontext/metaproxy/internal/audit"
	"github.com/spf13/cobra"
)

var (
	auditDBPath string
	auditLimit  int
	auditRole   string
	auditFrom   uint64
	auditTo     uint64
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the request audit log",
	Long: `Inspect the hash-chained request log written by "metaproxy serve" when
audit_db is configured. Every request, including rejected ones, is one entry.`,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent requests",
	Long: `Show the most recent requests, oldest first.

With --from or --to, the entries in that sequence range are shown instead
and -n is ignored. An open end runs to the start or end of the log.

Example:
  metaproxy audit tail -n 50 --role deploy-bot
  metaproxy audit tail --from 1200 --to 1300`,
	Args: cobra.NoArgs,
	RunE: runAuditTail,
}

var auditShowCmd = &cobra.Command{
	Use:   "show <seq>",
	Short: "Show one audit entry in full",
	Long: `Show one entry with its hashes, as stored.

Example:
  metaproxy audit show 1234`,
	Args: cobra.ExactArgs(1),
	RunE: runAuditShow,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the audit log",
	Long: `Verify that every entry's hash is intact and that the chain has no gaps.
Exits non-zero if tampering is detected.`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.PersistentFlags().StringVar(&auditDBPath, "db", "", "audit database (default: audit_db from config)")
	auditTailCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "number of entries to show")
	auditTailCmd.Flags().StringVar(&auditRole, "role", "", "only show requests for this role")
	auditTailCmd.Flags().Uint64Var(&auditFrom, "from", 0, "first sequence number to show")
	auditTailCmd.Flags().Uint64Var(&auditTo, "to", 0, "last sequence number to show")
}

func openAuditStore() (*audit.Store, error) {
	path := auditDBPath
	if path == "" {
		path = cfg.AuditDB
	}
	if path == "" {
		return nil, errors.New("no audit database: pass --db or set audit_db")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit database: %w", err)
	}
	store, err := audit.OpenStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return store, nil
}

// tailQuery selects what audit tail shows.
type tailQuery struct {
	limit    int
	role     string
	from, to uint64
}

// selectEntries returns the entries matching q, oldest first, and the number
// of entries in the whole log.
func selectEntries(store *audit.Store, q tailQuery) ([]*audit.Entry, uint64, error) {
	total, err := store.Count()
	if err != nil {
		return nil, 0, err
	}
	if q.from == 0 && q.to == 0 {
		entries, err := store.Recent(q.limit, q.role)
		return entries, total, err
	}

	from, to := q.from, q.to
	if from == 0 {
		from = audit.FirstSequence
	}
	if to == 0 {
		// Sequences are contiguous, so the count is the last sequence.
		to = total
	}
	if q.to != 0 && from > to {
		return nil, total, fmt.Errorf("--from %d is after --to %d", from, to)
	}
	entries, err := store.Range(from, to)
	if err != nil {
		return nil, total, err
	}
	if q.role == "" {
		return entries, total, nil
	}
	matched := entries[:0]
	for _, e := range entries {
		if e.Record.Role == q.role {
			matched = append(matched, e)
		}
	}
	return matched, total, nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, total, err := selectEntries(store, tailQuery{
		limit: auditLimit,
		role:  auditRole,
		from:  auditFrom,
		to:    auditTo,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	return printEntries(os.Stdout, entries, total)
}

func printEntries(out io.Writer, entries []*audit.Entry, total uint64) error {
	if len(entries) == 0 {
		fmt.Fprintf(out, "No matching requests (%d recorded)\n", total)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tCLIENT\tCONTAINER\tROLE\tMETHOD\tSTATUS\tPATH")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.Sequence,
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Record.Client,
			orDash(e.Record.Container),
			orDash(e.Record.Role),
			e.Record.Method,
			e.Record.Status,
			e.Record.Path,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d requests\n", len(entries), total)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	seq, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence number %q", args[0])
	}

	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := lookupEntry(store, seq)
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(e)
	}
	return printEntry(os.Stdout, e)
}

func lookupEntry(store *audit.Store, seq uint64) (*audit.Entry, error) {
	e, err := store.Get(seq)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, fmt.Errorf("no audit entry with sequence %d", seq)
	}
	return e, err
}

func printEntry(out io.Writer, e *audit.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Sequence:\t%d\n", e.Sequence)
	fmt.Fprintf(w, "Time:\t%s\n", e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	fmt.Fprintf(w, "Client:\t%s\n", e.Record.Client)
	fmt.Fprintf(w, "Container:\t%s\n", orDash(e.Record.Container))
	fmt.Fprintf(w, "Role:\t%s\n", orDash(e.Record.Role))
	fmt.Fprintf(w, "Request:\t%s %s %s\n", e.Record.Method, e.Record.Path, e.Record.Proto)
	fmt.Fprintf(w, "Kind:\t%s\n", e.Record.Kind)
	fmt.Fprintf(w, "Status:\t%d\n", e.Record.Status)
	fmt.Fprintf(w, "Duration:\t%dms\n", e.Record.DurationMs)
	fmt.Fprintf(w, "Prev hash:\t%s\n", orDash(e.PrevHash))
	fmt.Fprintf(w, "Hash:\t%s\n", e.Hash)
	return w.Flush()
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.VerifyChain()
	if err != nil {
		return fmt.Errorf("verification error: %w", err)
	}

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Printf("[ok] Hash chain: %d entries, no gaps, all hashes valid\n", result.EntryCount)
	} else {
		fmt.Printf("[FAIL] Hash chain: INVALID - %s\n", result.Error)
	}

	if !result.Valid {
		// Return error so Cobra exits with code 1
		return fmt.Errorf("tampering detected")
	}
	return nil
}
