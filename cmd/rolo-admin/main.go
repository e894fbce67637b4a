// rolo-admin is the operator CLI. It talks straight to the database; the
// long-running work (sync, extraction) happens in the rolo server, so every
// command here either inspects state or enqueues jobs for the server to run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/queue"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		handleMigrate()
	case "link-account":
		handleLinkAccount()
	case "list-accounts":
		handleListAccounts()
	case "unlink-account":
		handleUnlinkAccount()
	case "resync":
		handleResync()
	case "list-dead-jobs":
		handleListDeadJobs()
	case "retry-job":
		handleRetryJob()
	case "cancel-jobs":
		handleCancelJobs()
	case "stats":
		handleStats()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`ROLO Admin Tool

Usage:
  rolo-admin <command> [options]

Commands:
  migrate         Apply pending database migrations
  link-account    Link a mailbox account
  list-accounts   List linked accounts
  unlink-account  Unlink an account and cancel its pending jobs
  resync          Reset an account's sync state and schedule a full resync
  list-dead-jobs  List dead-lettered jobs
  retry-job       Resurrect a dead job with a fresh retry budget
  cancel-jobs     Cancel all pending jobs for an account
  stats           Show aggregate counts
  help            Show this help message

Examples:
  rolo-admin link-account --email user@example.com --refresh-token <token>
  rolo-admin resync --account-id 3
  rolo-admin retry-job --id 1042

Use 'rolo-admin <command> --help' for more information about a command.
`)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("error encoding output: %v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// enqueueSync inserts a high-priority sync job directly; the server's workers
// pick it up via their claim poll.
func enqueueSync(ctx context.Context, database *db.Database, accountID int64) (*db.Job, bool, error) {
	payload, _ := json.Marshal(&queue.SyncPayload{AccountID: accountID})
	return database.InsertJob(ctx, db.InsertJobRequest{
		Kind:      queue.KindSyncAccount,
		Payload:   payload,
		Priority:  queue.PriorityHigh,
		DedupeKey: queue.SyncDedupeKey(accountID),
		AccountID: accountID,
	})
}
