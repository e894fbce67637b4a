package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/db"
)

// openDatabase loads the config and connects. Every command pays this cost;
// admin operations are rare enough that pooling across commands is pointless.
func openDatabase(ctx context.Context, configPath string) (*db.Database, *config.Config) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("error loading config: %v", err)
	}
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		fatalf("error connecting to database: %v", err)
	}
	return database, cfg
}

func handleMigrate() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	database, cfg := openDatabase(ctx, *configPath)
	defer database.Close()

	timeout, _ := cfg.Database.GetMigrationTimeout()
	migrateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := database.Migrate(migrateCtx, cfg.Database.Write); err != nil {
		fatalf("migration failed: %v", err)
	}
	fmt.Println("migrations applied")
}

func handleLinkAccount() {
	fs := flag.NewFlagSet("link-account", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Mailbox address to link (required)")
	refreshToken := fs.String("refresh-token", "", "OAuth refresh token (required)")
	displayName := fs.String("display-name", "", "Display name")
	provider := fs.String("provider", "gmail", "Mail provider")
	fs.Parse(os.Args[2:])

	if *email == "" || *refreshToken == "" {
		fmt.Println("Error: --email and --refresh-token are required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	database, _ := openDatabase(ctx, *configPath)
	defer database.Close()

	account, err := database.CreateAccount(ctx, db.CreateAccountRequest{
		Email:        *email,
		Provider:     *provider,
		DisplayName:  *displayName,
		RefreshToken: *refreshToken,
	})
	if err != nil {
		fatalf("error linking account: %v", err)
	}

	if _, _, err := enqueueSync(ctx, database, account.ID); err != nil {
		fatalf("account %d linked but initial sync could not be enqueued: %v", account.ID, err)
	}
	fmt.Printf("linked account %d (%s), initial sync enqueued\n", account.ID, account.Email)
}

func handleListAccounts() {
	fs := flag.NewFlagSet("list-accounts", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	includeDisabled := fs.Bool("include-disabled", false, "Include unlinked accounts")
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	database, _ := openDatabase(ctx, *configPath)
	defer database.Close()

	accounts, err := database.ListAccounts(ctx, *includeDisabled)
	if err != nil {
		fatalf("error listing accounts: %v", err)
	}
	if len(accounts) == 0 {
		fmt.Println("no accounts")
		return
	}

	for _, a := range accounts {
		line := fmt.Sprintf("%-5d %-35s %-10s %s", a.ID, a.Email, a.Provider, a.Status)
		if a.Disabled() {
			line += " (unlinked)"
		}
		fmt.Println(line)
	}
}

func handleUnlinkAccount() {
	fs := flag.NewFlagSet("unlink-account", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	accountID := fs.Int64("id", 0, "Account id to unlink (required)")
	fs.Parse(os.Args[2:])

	if *accountID <= 0 {
		fmt.Println("Error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	database, _ := openDatabase(ctx, *configPath)
	defer database.Close()

	if err := database.DisableAccount(ctx, *accountID); err != nil {
		fatalf("error unlinking account: %v", err)
	}
	cancelled, err := database.CancelJobsForAccount(ctx, *accountID)
	if err != nil {
		fatalf("account unlinked but jobs could not be cancelled: %v", err)
	}
	fmt.Printf("account %d unlinked, %d pending jobs cancelled\n", *accountID, cancelled)
}

func handleResync() {
	fs := flag.NewFlagSet("resync", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	accountID := fs.Int64("account-id", 0, "Account id to resync (required)")
	fs.Parse(os.Args[2:])

	if *accountID <= 0 {
		fmt.Println("Error: --account-id is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	database, _ := openDatabase(ctx, *configPath)
	defer database.Close()

	// Wipe the cursor so the next run starts from scratch. Stored messages
	// dedupe, so this is safe to run on a live account.
	if err := database.ResetSyncState(ctx, *accountID, "", false); err != nil {
		fatalf("error resetting sync state: %v", err)
	}
	job, created, err := enqueueSync(ctx, database, *accountID)
	if err != nil {
		fatalf("sync state reset but resync could not be enqueued: %v", err)
	}
	if created {
		fmt.Printf("full resync enqueued for account %d (job %d)\n", *accountID, job.ID)
	} else {
		fmt.Printf("sync state reset for account %d; a sync job was already queued (job %d)\n", *accountID, job.ID)
	}
}

func handleListDeadJobs() {
	fs := flag.NewFlagSet("list-dead-jobs", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 100, "Maximum jobs to list")
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	database, _ := openDatabase(ctx, *configPath)
	defer database.Close()

	jobs, err := database.ListDeadJobs(ctx, *limit)
	if err != nil {
		fatalf("error listing dead jobs: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Println("no dead jobs")
		return
	}

	for _, j := range jobs {
		lastError := ""
		if j.LastError != nil {
			lastError = *j.LastError
		}
		fmt.Printf("%-8d %-22s attempts=%d/%d created=%s\n    %s\n",
			j.ID, j.Kind, j.Attempts, j.MaxAttempts,
			j.CreatedAt.Format(time.RFC3339), lastError)
	}
}

func handleRetryJob() {
	fs := flag.NewFlagSet("retry-job", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	jobID := fs.Int64("id", 0, "Dead job id to retry (required)")
	fs.Parse(os.Args[2:])

	if *jobID <= 0 {
		fmt.Println("Error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	database, _ := openDatabase(ctx, *configPath)
	defer database.Close()

	if err := database.RetryDeadJob(ctx, *jobID); err != nil {
		fatalf("error retrying job %d: %v (is it dead, and is its dedupe key free?)", *jobID, err)
	}
	fmt.Printf("job %d requeued with a fresh retry budget\n", *jobID)
}

func handleCancelJobs() {
	fs := flag.NewFlagSet("cancel-jobs", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	accountID := fs.Int64("account-id", 0, "Account whose pending jobs to cancel (required)")
	fs.Parse(os.Args[2:])

	if *accountID <= 0 {
		fmt.Println("Error: --account-id is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	database, _ := openDatabase(ctx, *configPath)
	defer database.Close()

	cancelled, err := database.CancelJobsForAccount(ctx, *accountID)
	if err != nil {
		fatalf("error cancelling jobs: %v", err)
	}
	fmt.Printf("%d pending jobs cancelled for account %d\n", cancelled, *accountID)
}

func handleStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	asJSON := fs.Bool("json", false, "Output as JSON")
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	database, _ := openDatabase(ctx, *configPath)
	defer database.Close()

	stats, err := database.GetMetricsStats(ctx)
	if err != nil {
		fatalf("error collecting stats: %v", err)
	}

	if *asJSON {
		printJSON(stats)
		return
	}
	fmt.Printf("accounts:      %d\n", stats.Accounts)
	fmt.Printf("messages:      %d\n", stats.Messages)
	fmt.Printf("contacts:      %d\n", stats.Contacts)
	fmt.Printf("interactions:  %d\n", stats.Interactions)
	fmt.Printf("pending jobs:  %d\n", stats.PendingJobs)
	fmt.Printf("dead jobs:     %d\n", stats.DeadJobs)
}
