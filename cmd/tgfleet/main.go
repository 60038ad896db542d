package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tgfleet/internal/app"
	"tgfleet/internal/config"
	"tgfleet/internal/dispatch"
	"tgfleet/internal/registry"
	"tgfleet/internal/relay"
	"tgfleet/internal/storage"
	"tgfleet/pkg/sdnotify"
)

const usage = `usage: tgfleet [-config path] <command> [options]

commands:
  setup                        create the sessions dir and a starter config
  status                       show identities and their states
  connect    [--phone P|--all] connect one identity or every candidate
  disconnect [--phone P|--all] disconnect one identity or all connected
  import <file> [--phone P]    install a session artifact into the registry
  info   --phone P             show one identity's stored record
  backup [--phone P|--all]     back up session artifacts, recording each copy
  join   --to T [--phone P ...]  join a chat with identities
  send  --to T (--text M | --file F [--caption C]) [--phone P ...]
  logs  [--phone P] [--limit N]  show recent send log entries
  relay config|start|status    manage the rotation
  cleanup                      run one maintenance pass now
  run                          daemon mode: watcher, metrics, maintenance
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tgfleet", flag.ContinueOnError)
	cfgPath := fs.String("config", "./tgfleet.json", "path to config file (json or yaml)")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	cmd, rest := rest[0], rest[1:]

	if cmd == "setup" {
		return cmdSetup(*cfgPath)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init:", err)
		return 1
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
	}()

	switch cmd {
	case "status":
		return cmdStatus(ctx, a)
	case "connect":
		return cmdConnect(ctx, a, cfg, rest)
	case "disconnect":
		return cmdDisconnect(ctx, a, rest)
	case "import":
		return cmdImport(a, rest)
	case "info":
		return cmdInfo(ctx, a, rest)
	case "backup":
		return cmdBackup(ctx, a, rest)
	case "join":
		return cmdJoin(ctx, a, rest)
	case "send":
		return cmdSend(ctx, a, rest)
	case "logs":
		return cmdLogs(ctx, a, rest)
	case "relay":
		return cmdRelay(ctx, a, rest)
	case "cleanup":
		a.Maint.RunOnce(ctx)
		fmt.Println("maintenance pass done")
		return 0
	case "run":
		return cmdRun(ctx, a)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
}

const starterConfig = `{
  "logging": { "level": "info", "console": true, "file": { "enabled": false, "path": "" } },
  "sessions": { "dir": "./sessions", "watch": true },
  "telegram": { "tokens": {} },
  "storage": { "driver": "sqlite", "path": "./tgfleet.db" },
  "maintenance": { "enabled": true },
  "metrics": { "enabled": false }
}
`

func cmdSetup(cfgPath string) int {
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Println("config already exists:", cfgPath)
	} else {
		if err := os.WriteFile(cfgPath, []byte(starterConfig), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, "write config:", err)
			return 1
		}
		fmt.Println("wrote starter config:", cfgPath)
	}
	if err := os.MkdirAll("./sessions", 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create sessions dir:", err)
		return 1
	}
	fmt.Println("sessions dir ready: ./sessions")
	fmt.Println("drop .session artifacts there, add bot tokens to the config, then run: tgfleet connect --all")
	return 0
}

func cmdStatus(ctx context.Context, a *app.App) int {
	candidates := a.Registry.ListCandidates()
	connected := map[string]bool{}
	for _, k := range a.Pool.Snapshot() {
		connected[k] = true
	}

	fmt.Printf("%-18s %-12s %-10s %s\n", "KEY", "STATUS", "VALID", "NAME")
	for _, key := range candidates {
		status := "ACTIVE"
		name := ""
		if a.Store != nil {
			if rec, err := a.Store.GetIdentity(ctx, key); err == nil && rec != nil {
				status = string(rec.Status)
				name = strings.TrimSpace(rec.FirstName + " " + rec.LastName)
			}
		}
		if connected[key] {
			status = "CONNECTED"
		}
		fmt.Printf("%-18s %-12s %-10v %s\n", registry.MaskPhone(key), status, a.Registry.Validate(key), name)
	}
	fmt.Printf("\n%d candidate(s), %d connected\n", len(candidates), len(connected))

	if a.Store != nil {
		if st, err := a.Store.GetStats(ctx); err == nil {
			fmt.Printf("sends: %d total, %d ok, %d failed, %d flood waits\n",
				st.TotalSends, st.SuccessSends, st.FailedSends, st.FloodWaits)
		}
	}
	return 0
}

func cmdConnect(ctx context.Context, a *app.App, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	phone := fs.String("phone", "", "single identity key")
	all := fs.Bool("all", false, "every validated candidate")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var keys []string
	switch {
	case *phone != "":
		keys = []string{registry.NormalizePhone(*phone)}
	case *all:
		keys = a.Registry.ListCandidates()
	default:
		fmt.Fprintln(os.Stderr, "connect: need --phone or --all")
		return 1
	}
	if len(keys) == 0 {
		fmt.Fprintln(os.Stderr, "connect: no session artifacts found")
		return 1
	}

	results := a.Pool.ConnectMany(ctx, keys, cfg.Pool.MaxParallel)
	ok := 0
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%-18s FAILED: %v\n", registry.MaskPhone(r.Key), r.Err)
			continue
		}
		ok++
		fmt.Printf("%-18s connected\n", registry.MaskPhone(r.Key))
	}
	fmt.Printf("%d/%d connected\n", ok, len(keys))
	if ok == 0 {
		return 1
	}
	return 0
}

func cmdDisconnect(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("disconnect", flag.ContinueOnError)
	phone := fs.String("phone", "", "single identity key")
	all := fs.Bool("all", false, "every connected identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	switch {
	case *phone != "":
		key := registry.NormalizePhone(*phone)
		if err := a.Pool.Disconnect(ctx, key); err != nil {
			fmt.Fprintln(os.Stderr, "disconnect:", err)
			return 1
		}
		fmt.Println("disconnected", registry.MaskPhone(key))
	case *all:
		n := a.Pool.DisconnectAll(ctx)
		fmt.Printf("%d disconnected\n", n)
	default:
		fmt.Fprintln(os.Stderr, "disconnect: need --phone or --all")
		return 1
	}
	return 0
}

func cmdImport(a *app.App, args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	phone := fs.String("phone", "", "identity key (default: derived from filename)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "import: need exactly one artifact file")
		return 1
	}
	src := fs.Arg(0)

	key := registry.NormalizePhone(*phone)
	if key == "" {
		k, ok := registry.KeyFromFilename(src)
		if !ok {
			fmt.Fprintln(os.Stderr, "import: cannot derive key from filename, use --phone")
			return 1
		}
		key = k
	}

	if err := a.Registry.Import(src, key); err != nil {
		fmt.Fprintln(os.Stderr, "import:", err)
		return 1
	}
	fmt.Println("imported", registry.MaskPhone(key))
	return 0
}

func cmdInfo(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	phone := fs.String("phone", "", "identity key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *phone == "" {
		fmt.Fprintln(os.Stderr, "info: need --phone")
		return 1
	}

	key := registry.NormalizePhone(*phone)
	rec, connected, err := a.Pool.AccountInfo(ctx, key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "info:", err)
		return 1
	}
	if rec == nil {
		fmt.Fprintln(os.Stderr, "info: unknown identity", registry.MaskPhone(key))
		return 1
	}

	fmt.Printf("key:            %s\n", registry.MaskPhone(rec.Phone))
	fmt.Printf("name:           %s\n", strings.TrimSpace(rec.FirstName+" "+rec.LastName))
	if rec.Username != "" {
		fmt.Printf("username:       @%s\n", rec.Username)
	}
	if rec.UserID != 0 {
		fmt.Printf("user id:        %d\n", rec.UserID)
	}
	fmt.Printf("status:         %s\n", rec.Status)
	fmt.Printf("connected now:  %v\n", connected)
	if !rec.LastConnected.IsZero() {
		fmt.Printf("last connected: %s\n", rec.LastConnected.Format(time.RFC3339))
	}
	return 0
}

func cmdBackup(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	phone := fs.String("phone", "", "single identity key")
	all := fs.Bool("all", false, "every validated candidate")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var keys []string
	switch {
	case *phone != "":
		keys = []string{registry.NormalizePhone(*phone)}
	case *all:
		keys = a.Registry.ListCandidates()
	default:
		fmt.Fprintln(os.Stderr, "backup: need --phone or --all")
		return 1
	}
	if len(keys) == 0 {
		fmt.Fprintln(os.Stderr, "backup: no session artifacts found")
		return 1
	}

	ok := 0
	for _, key := range keys {
		path, err := a.Registry.Backup(key)
		if err != nil {
			fmt.Printf("%-18s FAILED: %v\n", registry.MaskPhone(key), err)
			continue
		}
		if a.Store != nil {
			rec := storage.BackupEntry{Phone: key, BackupPath: path, CreatedAt: time.Now()}
			if err := a.Store.AppendBackup(ctx, rec); err != nil {
				fmt.Fprintln(os.Stderr, "backup: record:", err)
			}
		}
		ok++
		fmt.Printf("%-18s -> %s\n", registry.MaskPhone(key), path)
	}
	fmt.Printf("%d/%d backed up\n", ok, len(keys))
	if ok == 0 {
		return 1
	}
	return 0
}

func cmdJoin(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	to := fs.String("to", "", "target: @handle or t.me link")
	var phones stringList
	fs.Var(&phones, "phone", "identity key, repeatable (default: all connected)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *to == "" {
		fmt.Fprintln(os.Stderr, "join: need --to")
		return 1
	}

	var keys []string
	for _, p := range phones {
		keys = append(keys, registry.NormalizePhone(p))
	}

	if len(a.Pool.Snapshot()) == 0 {
		if connectCandidates(ctx, a) == 0 {
			fmt.Fprintln(os.Stderr, "join: no connected identities")
			return 1
		}
	}

	ok, results := a.Pool.JoinChat(ctx, *to, keys)
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%-18s FAILED: %v\n", registry.MaskPhone(r.Key), r.Err)
			continue
		}
		fmt.Printf("%-18s joined\n", registry.MaskPhone(r.Key))
	}
	fmt.Printf("%d/%d joined\n", ok, len(results))
	if ok == 0 {
		return 1
	}
	return 0
}

func cmdLogs(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	phone := fs.String("phone", "", "filter by identity key")
	limit := fs.Int("limit", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if a.Store == nil {
		fmt.Fprintln(os.Stderr, "logs: storage disabled")
		return 1
	}

	key := ""
	if *phone != "" {
		key = registry.NormalizePhone(*phone)
	}
	entries, err := a.Store.RecentSendLogs(ctx, key, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logs:", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("no send log entries")
		return 0
	}

	fmt.Printf("%-20s %-18s %-10s %-15s %s\n", "SENT", "KEY", "STATUS", "TARGET", "DETAIL")
	for _, e := range entries {
		detail := e.Error
		if detail == "" {
			detail = e.MessageType
		}
		fmt.Printf("%-20s %-18s %-10s %-15s %s\n",
			e.SentAt.Format("2006-01-02 15:04:05"), registry.MaskPhone(e.Phone), e.Status, e.ChatID, detail)
	}
	return 0
}

func cmdSend(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "target: numeric id, @handle, or t.me link")
	text := fs.String("text", "", "message text")
	file := fs.String("file", "", "file path to send")
	caption := fs.String("caption", "", "file caption")
	var phones stringList
	fs.Var(&phones, "phone", "identity key, repeatable (default: all connected)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *to == "" || (*text == "" && *file == "") {
		fmt.Fprintln(os.Stderr, "send: need --to and one of --text / --file")
		return 1
	}

	var keys []string
	if len(phones) > 0 {
		for _, p := range phones {
			keys = append(keys, registry.NormalizePhone(p))
		}
	}

	if len(a.Pool.Snapshot()) == 0 {
		if connectCandidates(ctx, a) == 0 {
			fmt.Fprintln(os.Stderr, "send: no connected identities")
			return 1
		}
	}

	var ok int
	var results []dispatch.Result
	if *text != "" {
		ok, results = a.Dispatch.SendText(ctx, *to, *text, keys)
	} else {
		ok, results = a.Dispatch.SendFile(ctx, *to, *file, *caption, keys)
	}

	for _, r := range results {
		line := fmt.Sprintf("%-18s %s", registry.MaskPhone(r.Key), r.Outcome)
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		if r.Err != nil {
			line += ": " + r.Err.Error()
		}
		fmt.Println(line)
	}
	fmt.Printf("%d/%d delivered\n", ok, len(results))
	if ok == 0 {
		return 1
	}
	return 0
}

func cmdRelay(ctx context.Context, a *app.App, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "relay: need config, start, or status")
		return 1
	}
	sub, args := args[0], args[1:]

	switch sub {
	case "config":
		fs := flag.NewFlagSet("relay config", flag.ContinueOnError)
		to := fs.String("to", "", "target chat")
		var msgs, phones stringList
		fs.Var(&msgs, "message", "message body, repeatable")
		fs.Var(&phones, "phone", "identity key, repeatable")
		interval := fs.Duration("interval", time.Minute, "base pause between ticks")
		jitter := fs.Duration("jitter", 10*time.Second, "random spread around the interval")
		if err := fs.Parse(args); err != nil {
			return 1
		}
		var keys []string
		for _, p := range phones {
			keys = append(keys, registry.NormalizePhone(p))
		}
		err := a.Relay.Configure(relay.Config{
			Target:     *to,
			Identities: keys,
			Messages:   msgs,
			Interval:   *interval,
			Jitter:     *jitter,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "relay config:", err)
			return 1
		}
		if err := a.Relay.Save(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "relay save:", err)
			return 1
		}
		fmt.Println("relay configured")
		return 0

	case "start":
		if err := a.Relay.Load(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "relay load:", err)
			return 1
		}
		st := a.Relay.Status()
		if connectCandidates(ctx, a) == 0 {
			fmt.Fprintln(os.Stderr, "relay: no connected identities")
			return 1
		}
		if err := a.Relay.Start(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "relay start:", err)
			return 1
		}
		fmt.Printf("relay running: %d identities x %d messages -> %s (every %s)\n",
			st.IdentityCount, st.MessageCount, st.Target, st.Interval)
		fmt.Println("press Ctrl-C to stop")
		<-ctx.Done()
		return 0

	case "status":
		if err := a.Relay.Load(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "relay load:", err)
			return 1
		}
		st := a.Relay.Status()
		if st.Target == "" {
			fmt.Println("relay not configured")
			return 0
		}
		fmt.Printf("target:      %s\n", st.Target)
		fmt.Printf("identities:  %d (cursor %d)\n", st.IdentityCount, st.IdentityIndex)
		fmt.Printf("messages:    %d (cursor %d)\n", st.MessageCount, st.MessageIndex)
		fmt.Printf("interval:    %s +/- %s\n", st.Interval, st.Jitter)
		fmt.Printf("total sent:  %d\n", st.TotalSent)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "relay: unknown subcommand %q\n", sub)
		return 1
	}
}

func cmdRun(ctx context.Context, a *app.App) int {
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		return 1
	}
	if n := connectCandidates(ctx, a); n > 0 {
		fmt.Printf("%d identity(ies) connected\n", n)
	}

	sdnotify.Ready()
	go sdnotify.Watchdog(ctx)

	<-ctx.Done()
	sdnotify.Stopping()
	return 0
}

// connectCandidates brings up every validated candidate; used by
// commands that need live connections and by daemon startup.
func connectCandidates(ctx context.Context, a *app.App) int {
	keys := a.Registry.ListCandidates()
	if len(keys) == 0 {
		return 0
	}
	results := a.Pool.ConnectMany(ctx, keys, 0)
	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	return ok
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	if v = strings.TrimSpace(v); v != "" {
		*s = append(*s, v)
	}
	return nil
}
