// Command usagectl inspects and adjusts audit usage for a single user.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"rgaa-audit-workers/internal/common/config"
	"rgaa-audit-workers/internal/common/database"
	"rgaa-audit-workers/internal/common/lock"
	"rgaa-audit-workers/internal/common/logger"
	"rgaa-audit-workers/internal/models"
	"rgaa-audit-workers/internal/store/postgres"
	"rgaa-audit-workers/internal/usage"
)

type ledgerAPI interface {
	Check(ctx context.Context, email string) (*usage.Entitlement, error)
	RecordAudit(ctx context.Context, rec *models.UserRecord) (*models.UserRecord, error)
	Reset(ctx context.Context, email string, clearTotal bool) (*models.UserRecord, error)
	ChangePlan(ctx context.Context, email, planID string) (*models.UserRecord, error)
}

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 || os.Args[1] == "help" {
		help(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ledger, closeFn, err := connect(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeFn()

	if err := run(ctx, os.Args[1:], ledger, os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func connect(ctx context.Context) (ledgerAPI, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.NewStructured("warn", "console")

	db, err := database.OpenPostgres(ctx, cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { db.Close() }

	var locker usage.Locker = lock.NewKeyedMutex()
	if cfg.Usage.LockBackend == "redis" {
		rdb, err := database.OpenRedis(ctx, cfg.Database.Redis)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		locker = lock.NewRedisLocker(rdb, lock.RedisOptions{
			TTL:     config.GetDuration(cfg.Usage.LockTTL),
			MaxWait: config.GetDuration(cfg.Usage.LockWait),
		}, log)
		closeFn = func() { rdb.Close(); db.Close() }
	}

	ttl := config.GetDuration(cfg.Usage.LockTTL)
	return usage.NewLedger(postgres.NewUserStore(db), log,
		usage.WithLocker(locker), usage.WithLockHold(ttl-ttl/5)), closeFn, nil
}

func run(ctx context.Context, args []string, ledger ledgerAPI, out io.Writer) error {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(out)
	email := fs.String("email", "", "User e-mail")
	clearTotal := fs.Bool("total", false, "reset: also clear the lifetime total")
	plan := fs.String("plan", "", "set-plan: free, pro or enterprise")

	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}
	if *email == "" {
		fmt.Fprintln(out, "Error: -email is required.")
		fs.Usage()
		return errUsage
	}

	switch args[0] {
	case "show", "check":
		ent, err := ledger.Check(ctx, *email)
		if err != nil {
			return err
		}
		if args[0] == "check" {
			if ent.Decision.Allowed {
				fmt.Fprintf(out, "%s may start an audit (plan %s)\n", *email, ent.Decision.Plan)
			} else {
				fmt.Fprintf(out, "%s is denied: %s (plan %s)\n", *email, ent.Decision.Reason, ent.Decision.Plan)
			}
			return nil
		}
		return printJSON(out, ent.Summary)

	case "record":
		rec, err := ledger.RecordAudit(ctx, &models.UserRecord{Email: *email})
		if err != nil {
			return err
		}
		return printJSON(out, rec.Usage)

	case "reset":
		rec, err := ledger.Reset(ctx, *email, *clearTotal)
		if err != nil {
			return err
		}
		return printJSON(out, rec.Usage)

	case "set-plan":
		if *plan == "" {
			fmt.Fprintln(out, "Error: -plan is required for set-plan.")
			return errUsage
		}
		rec, err := ledger.ChangePlan(ctx, *email, *plan)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s is now on plan %s\n", rec.Email, rec.Subscription.Plan)
		return nil

	default:
		help(out)
		return errUsage
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func help(out io.Writer) {
	fmt.Fprintln(out, `Usage: usagectl <command> -email <address> [options]

Commands:
  show      Print the usage summary
  check     Tell whether the user may start an audit now
  record    Count one audit
  reset     Clear daily and monthly counters (-total also clears the lifetime total)
  set-plan  Change the subscription plan (-plan free|pro|enterprise)`)
}
