// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/livecam/internal/app"
	"github.com/petervdpas/livecam/internal/config"
	"github.com/petervdpas/livecam/internal/storage"
	"github.com/petervdpas/livecam/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	dirFlag  = flag.String("dir", ".", "Endpoint directory (holds livecam.json and data)")
	userFlag = flag.String("u", "", "Username to sign in with")
	profile  = flag.String("profile", "", "Profile to sign in as, or to give with 'user add|update' (operator or supervisor)")
	limit    = flag.Int("n", 50, "Rows shown by 'history'")
	active   = flag.Bool("active", false, "Show only calls in progress with 'history'")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("livecam v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	absDir, cfgPath, cfg := loadEndpoint(*dirFlag)

	switch command := args[0]; command {
	case "sender":
		runMode(app.Options{
			Dir:      absDir,
			CfgPath:  cfgPath,
			Cfg:      cfg,
			Mode:     app.ModeSender,
			Username: *userFlag,
			Password: os.Getenv("LIVECAM_PASSWORD"),
			Profile:  *profile,
		})

	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: join requires a link or endpoint id")
			fmt.Fprintln(os.Stderr, "Usage: livecam join <link-or-id>")
			os.Exit(1)
		}
		runMode(app.Options{
			Dir:     absDir,
			CfgPath: cfgPath,
			Cfg:     cfg,
			Mode:    app.ModeJoin,
			Target:  args[1],
		})

	case "relay":
		runMode(app.Options{
			Dir:     absDir,
			CfgPath: cfgPath,
			Cfg:     cfg,
			Mode:    app.ModeRelay,
		})

	case "user":
		runUser(absDir, cfg, args[1:])

	case "history":
		db := openDB(absDir, cfg)
		defer db.Close()
		requireSupervisor(db)
		if err := app.ListConnections(os.Stdout, db, *limit, *active); err != nil {
			log.Fatalf("History failed: %v", err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func loadEndpoint(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid endpoint directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create endpoint directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func runMode(opt app.Options) {
	printBanner(opt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	opt.Progress = func(step, total int, label string) {
		fmt.Printf("[%d/%d] %s\n", step, total, label)
	}
	if err := app.Run(ctx, opt); err != nil {
		log.Fatalf("livecam %s failed: %v", opt.Mode, err)
	}
}

func openDB(absDir string, cfg config.Config) *storage.DB {
	db, err := storage.Open(util.ResolvePath(absDir, cfg.Storage.Dir))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return db
}

// requireSupervisor signs in a supervisor on stdin or exits.
func requireSupervisor(db *storage.DB) *bufio.Reader {
	in := bufio.NewReader(os.Stdin)
	if _, err := app.RequireSupervisor(in, os.Stdout, db, *userFlag, os.Getenv("LIVECAM_PASSWORD")); err != nil {
		db.Close()
		log.Fatalf("Supervisor sign-in failed: %v", err)
	}
	return in
}

func runUser(absDir string, cfg config.Config, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: livecam user add|update|list|remove [username]")
		os.Exit(1)
	}
	if (args[0] == "add" || args[0] == "update" || args[0] == "remove") && len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: livecam user %s <username>\n", args[0])
		os.Exit(1)
	}
	db := openDB(absDir, cfg)
	defer db.Close()
	in := requireSupervisor(db)
	newPassword := os.Getenv("LIVECAM_NEW_PASSWORD")

	var err error
	switch args[0] {
	case "add":
		err = app.AddUser(in, os.Stdout, db, args[1], newPassword, *profile)
	case "update":
		err = app.UpdateUser(in, os.Stdout, db, args[1], newPassword, *profile)
	case "list":
		err = app.ListUsers(os.Stdout, db)
	case "remove":
		if err = db.DeleteUser(args[1]); err == nil {
			fmt.Printf("user %s removed\n", args[1])
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown user command '%s'\n", args[0])
		os.Exit(1)
	}
	if err != nil {
		db.Close()
		log.Fatalf("user %s failed: %v", args[0], err)
	}
}

func showUsage() {
	fmt.Println("livecam - one-to-one live camera sessions")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  livecam [options] <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  sender                 Sign in and wait for the recipient to call")
	fmt.Println("  join <link-or-id>      Call the sender behind a link")
	fmt.Println("  relay                  Run the signaling relay")
	fmt.Println("  user add <name>        Create a sender login (supervisor)")
	fmt.Println("  user update <name>     Change a login's password and profile (supervisor)")
	fmt.Println("  user list              List sender logins (supervisor)")
	fmt.Println("  user remove <name>     Delete a sender login (supervisor)")
	fmt.Println("  history                Show recent connection events (supervisor)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -dir <path>      Endpoint directory (default: current directory)")
	fmt.Println("  -u <name>        Username to sign in with (asked for when empty)")
	fmt.Println("  -profile <p>     Profile to sign in as (default operator), or to give with 'user add|update'")
	fmt.Println("  -n <rows>        Rows shown by 'history'")
	fmt.Println("  -active          Show only calls in progress with 'history'")
	fmt.Println("  -h               Show this help message")
	fmt.Println("  -version         Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  LIVECAM_PASSWORD      Password to sign in with (asked for when empty)")
	fmt.Println("  LIVECAM_NEW_PASSWORD  Password given by 'user add|update' (asked for when empty)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  livecam -dir ./relay relay")
	fmt.Println("  livecam -dir ./desk user add ana")
	fmt.Println("  livecam -dir ./desk -u ana sender")
	fmt.Println("  livecam -dir ./desk -u ana -active history")
	fmt.Println("  livecam -dir ./phone join 'https://cam.example.com/join?r=<id>'")
}

func printBanner(opt app.Options) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                       livecam                          ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Mode:           %s\n", opt.Mode)
	fmt.Printf("Directory:      %s\n", opt.Dir)
	fmt.Printf("Config File:    %s\n", opt.CfgPath)
	if opt.Mode == app.ModeRelay {
		_, url := app.NormalizeListenAddr(opt.Cfg.Signal.ListenAddr, opt.Cfg.Signal.Path)
		fmt.Printf("Relay URL:      %s\n", url)
	} else {
		fmt.Printf("Relay:          %s\n", opt.Cfg.Signal.RelayURL)
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop, /help for commands)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
