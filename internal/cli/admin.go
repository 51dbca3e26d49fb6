package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ocbridge/ocbridge/internal/auth"
	"github.com/ocbridge/ocbridge/internal/config"
	"github.com/ocbridge/ocbridge/internal/controlapi"
	"github.com/ocbridge/ocbridge/internal/domain"
	"github.com/ocbridge/ocbridge/internal/reconcile"
	"github.com/ocbridge/ocbridge/internal/store/sqlite"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultEntryDB() string {
	return envOr("OCBRIDGE_DB_PATH", "./ocbridge-entry.db")
}

// syncNow runs a best-effort convergence pass right after an admin mutation
// so the change reaches the exit node without waiting for the entry
// daemon's interval. Failures are reported but not fatal; the daemon
// retries on its own schedule.
func syncNow(ctx context.Context, store *sqlite.Store, username string) {
	nodes, err := store.ListNodes(ctx)
	if err != nil || len(nodes) == 0 {
		fmt.Println("no exit node registered yet; the change syncs once a node is added")
		return
	}
	node := nodes[0]

	insecure, _ := strconv.ParseBool(os.Getenv("OCBRIDGE_INSECURE_TLS"))
	client := controlapi.NewClient(
		fmt.Sprintf("https://%s:%d", node.Host, node.APIPort),
		node.Token,
		controlapi.ClientOptions{
			Timeout:     10 * time.Second,
			NodeID:      node.ID,
			InsecureTLS: insecure,
		},
	)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := reconcile.New(quiet, store, client, reconcile.Options{Interval: time.Hour})

	syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := coord.ReconcileOnce(syncCtx); err != nil {
		fmt.Fprintf(os.Stderr, "sync with %s failed, the entry daemon will retry: %v\n", node.Host, err)
		return
	}
	if username != "" {
		if rec, found, err := store.GetSyncRecord(syncCtx, username); err == nil && found && !rec.InSync() {
			fmt.Fprintf(os.Stderr, "sync with %s incomplete (%s), the entry daemon will retry\n", node.Host, rec.LastError)
			return
		}
	}
	fmt.Printf("synced with %s\n", node.Host)
}

func runUserAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ocbridge user <upsert|rm|list|usage> [flags]")
		return 2
	}
	switch args[0] {
	case "upsert":
		return runUserUpsert(ctx, args[1:])
	case "rm":
		return runUserRm(ctx, args[1:])
	case "list":
		return runUserList(ctx, args[1:])
	case "usage":
		return runUserUsage(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown user command:", args[0])
		return 2
	}
}

func runUserUpsert(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user-upsert", flag.ContinueOnError)
	var dbPath, username, secret, expires string
	var quotaGB float64
	var maxDevices int
	var disabled bool
	fs.StringVar(&dbPath, "db", defaultEntryDB(), "sqlite db path")
	fs.StringVar(&username, "user", "", "username")
	fs.StringVar(&secret, "secret", "", "VPN password")
	fs.Float64Var(&quotaGB, "quota-gb", 0, "traffic quota in GiB (0 = unlimited)")
	fs.StringVar(&expires, "expires", "", "expiry date, YYYY-MM-DD or RFC3339 (empty = never)")
	fs.IntVar(&maxDevices, "max-devices", 0, "concurrent device limit (0 = unlimited)")
	fs.BoolVar(&disabled, "disabled", false, "create or update the user as disabled")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if username == "" || secret == "" {
		fmt.Fprintln(os.Stderr, "user upsert error: -user and -secret are required")
		return 2
	}

	expiresAt, err := parseExpiry(expires)
	if err != nil {
		fmt.Fprintln(os.Stderr, "user upsert error:", err)
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	u, err := store.UpsertUser(ctx, domain.VPNUser{
		Username:   username,
		Secret:     secret,
		QuotaBytes: int64(quotaGB * float64(1<<30)),
		ExpiresAt:  expiresAt,
		MaxDevices: maxDevices,
		Enabled:    !disabled,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "user upsert error:", err)
		return 1
	}
	fmt.Printf("user %s saved (version %d)\n", u.Username, u.Version)
	syncNow(ctx, store, u.Username)
	return 0
}

func runUserRm(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user-rm", flag.ContinueOnError)
	var dbPath, username string
	fs.StringVar(&dbPath, "db", defaultEntryDB(), "sqlite db path")
	fs.StringVar(&username, "user", "", "username")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if username == "" {
		fmt.Fprintln(os.Stderr, "user rm error: -user is required")
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	if err := store.DeleteUser(ctx, username); err != nil {
		fmt.Fprintln(os.Stderr, "user rm error:", err)
		return 1
	}
	fmt.Printf("user %s deleted\n", username)
	syncNow(ctx, store, username)
	return 0
}

func runUserList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultEntryDB(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	users, err := store.ListUsers(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "user list error:", err)
		return 1
	}
	records, err := store.ListSyncRecords(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "user list error:", err)
		return 1
	}
	recByUser := make(map[string]domain.SyncRecord, len(records))
	for _, r := range records {
		recByUser[r.Username] = r
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tENABLED\tQUOTA\tUSED\tEXPIRES\tVERSION\tSYNC")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%s\t%d\t%s\n",
			u.Username,
			u.EffectiveEnabled(now),
			formatBytes(u.QuotaBytes),
			formatBytes(u.UsedBytes),
			formatExpiry(u.ExpiresAt),
			u.Version,
			syncStateLabel(recByUser[u.Username], u.Version),
		)
	}
	_ = w.Flush()
	return 0
}

func runUserUsage(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user-usage", flag.ContinueOnError)
	var dbPath, username string
	var addBytes int64
	var reset bool
	fs.StringVar(&dbPath, "db", defaultEntryDB(), "sqlite db path")
	fs.StringVar(&username, "user", "", "username")
	fs.Int64Var(&addBytes, "add", 0, "bytes of traffic to record")
	fs.BoolVar(&reset, "reset", false, "zero the usage counter")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if username == "" || (addBytes == 0 && !reset) {
		fmt.Fprintln(os.Stderr, "user usage error: -user plus -add or -reset is required")
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	var u domain.VPNUser
	if reset {
		u, err = store.ResetUsage(ctx, username)
	} else {
		u, err = store.AddUsage(ctx, username, addBytes)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "user usage error:", err)
		return 1
	}
	fmt.Printf("user %s: %s used of %s\n", u.Username, formatBytes(u.UsedBytes), formatBytes(u.QuotaBytes))
	// Usage edits can flip the enabled state, so push right away.
	syncNow(ctx, store, u.Username)
	return 0
}

func runNodeAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ocbridge node <add|rm|list> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runNodeAdd(ctx, args[1:])
	case "rm":
		return runNodeRm(ctx, args[1:])
	case "list":
		return runNodeList(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown node command:", args[0])
		return 2
	}
}

func runNodeAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("node-add", flag.ContinueOnError)
	var dbPath, host, token string
	var relayPort, apiPort int
	fs.StringVar(&dbPath, "db", defaultEntryDB(), "sqlite db path")
	fs.StringVar(&host, "host", "", "exit node hostname")
	fs.IntVar(&relayPort, "relay-port", 8443, "exit node relay port")
	fs.IntVar(&apiPort, "api-port", 6443, "exit node control API port")
	fs.StringVar(&token, "token", "", "node bearer token (see `ocbridge token new`)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	host = config.NormalizeNodeHost(host)
	if host == "" || token == "" {
		fmt.Fprintln(os.Stderr, "node add error: -host and -token are required")
		return 2
	}
	if relayPort <= 0 || relayPort > 65535 || apiPort <= 0 || apiPort > 65535 {
		fmt.Fprintln(os.Stderr, "node add error: ports must be in 1..65535")
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	n, err := store.CreateNode(ctx, domain.RemoteNode{
		Host: host, RelayPort: relayPort, APIPort: apiPort, Token: token,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "node add error:", err)
		return 1
	}
	fmt.Printf("node %s registered (%s)\n", n.Host, n.ID)
	// Seed the new node with the current user set.
	syncNow(ctx, store, "")
	return 0
}

func runNodeRm(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("node-rm", flag.ContinueOnError)
	var dbPath, ref string
	fs.StringVar(&dbPath, "db", defaultEntryDB(), "sqlite db path")
	fs.StringVar(&ref, "node", "", "node ID or hostname")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if ref == "" {
		fmt.Fprintln(os.Stderr, "node rm error: -node is required")
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	if err := store.DeleteNode(ctx, ref); err != nil {
		fmt.Fprintln(os.Stderr, "node rm error:", err)
		return 1
	}
	fmt.Printf("node %s removed\n", ref)
	return 0
}

func runNodeList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("node-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultEntryDB(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "node list error:", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOST\tRELAY\tAPI\tHEALTH\tLAST SEEN")
	for _, n := range nodes {
		lastSeen := "never"
		if n.LastSeenAt != nil {
			lastSeen = n.LastSeenAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			n.ID, n.Host, n.RelayPort, n.APIPort, n.HealthState, lastSeen)
	}
	_ = w.Flush()
	return 0
}

func runToken(args []string) int {
	if len(args) == 0 || args[0] != "new" {
		fmt.Fprintln(os.Stderr, "usage: ocbridge token new")
		return 2
	}
	token, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "token error:", err)
		return 1
	}
	fmt.Printf("token:      %s\n", token)
	fmt.Printf("token hash: %s\n", auth.HashToken(token))
	fmt.Println()
	fmt.Println("Give the token to `ocbridge node add -token ...` on the entry node and")
	fmt.Println("configure the hash via OCBRIDGE_TOKEN_HASH (or -token-hash) on the exit node.")
	return 0
}

func parseExpiry(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", v, time.Local); err == nil {
		// Expire at the end of the named day.
		t = t.Add(24*time.Hour - time.Second)
		return &t, nil
	}
	return nil, fmt.Errorf("invalid expiry %q, want YYYY-MM-DD or RFC3339", v)
}

func formatBytes(n int64) string {
	switch {
	case n <= 0:
		return "-"
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/float64(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02")
}

func syncStateLabel(r domain.SyncRecord, localVersion int64) string {
	switch {
	case r.Username == "":
		return "pending"
	case r.Failed:
		return "failed"
	case r.PendingOp != domain.SyncOpNone || r.RemoteVersion != localVersion:
		return "pending"
	default:
		return "synced"
	}
}
