// Command dlq-replay is the operator tool for the settlement dead-letter
// queue: list what is parked, inspect one entry, force a replay, or drop
// an entry for good.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omnigate/backend/internal/config"
	"github.com/omnigate/backend/internal/dlq"
	"github.com/omnigate/backend/internal/infra"
	"github.com/omnigate/backend/internal/settlement"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: dlq-replay <command> [args]

commands:
  depth                 number of scheduled entries
  list                  entries due for replay now
  inspect <rid>         dump one entry as JSON
  drop <rid>            terminal-drop one entry
  drain                 force-replay everything due now (needs settlement env)
`)
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "", "path to gateway.yaml (optional)")
	limit := flag.Int("limit", 50, "max entries for list/drain")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	logger := log.New(os.Stderr, "[DLQ-REPLAY] ", log.LstdFlags)
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	rdb, err := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	store := dlq.NewRedisStore(rdb.Client(), cfg.Billing.MaxFinalizeRetries)

	switch flag.Arg(0) {
	case "depth":
		depth, err := store.Depth(ctx)
		if err != nil {
			logger.Fatalf("depth: %v", err)
		}
		fmt.Println(depth)

	case "list":
		entries, err := store.GetReady(ctx, time.Now(), *limit)
		if err != nil {
			logger.Fatalf("list: %v", err)
		}
		for _, e := range entries {
			status := "-"
			if e.ResponseStatus != nil {
				status = fmt.Sprintf("%d", *e.ResponseStatus)
			}
			fmt.Printf("%s\tattempts=%d\tstatus=%s\tnext=%s\t%s\n",
				e.ReservationID, e.AttemptCount, status,
				e.NextAttemptAt.Format(time.RFC3339), e.Reason)
		}

	case "inspect":
		if flag.NArg() < 2 {
			usage()
		}
		entry, ok, err := store.Get(ctx, flag.Arg(1))
		if err != nil {
			logger.Fatalf("inspect: %v", err)
		}
		if !ok {
			logger.Fatalf("no active entry for %s", flag.Arg(1))
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))

	case "drop":
		if flag.NArg() < 2 {
			usage()
		}
		if err := store.TerminalDrop(ctx, flag.Arg(1)); err != nil {
			logger.Fatalf("drop: %v", err)
		}
		logger.Printf("dropped %s", flag.Arg(1))

	case "drain":
		drain(ctx, cfg, store, *limit, logger)

	default:
		usage()
	}
}

// drain runs one synchronous replay sweep with the real settlement
// client. Entries that settle are acked against a detached finalizer, so
// the in-process billing machine is not required.
func drain(ctx context.Context, cfg *config.Config, store dlq.Store, limit int, logger *log.Logger) {
	settler, err := settlerFromConfig(cfg)
	if err != nil {
		logger.Fatalf("drain: %v", err)
	}
	worker := dlq.NewWorker(store, settler, detachedFinalizer{store: store, logger: logger}, dlq.WorkerConfig{
		BatchSize:  limit,
		MaxRetries: cfg.Billing.MaxFinalizeRetries,
	})
	worker.Sweep(ctx, time.Now())
}

func settlerFromConfig(cfg *config.Config) (*settlement.Client, error) {
	if cfg.Settlement.BaseURL == "" || cfg.Settlement.SigningKeyPEM == "" {
		return nil, fmt.Errorf("SETTLEMENT_BASE_URL and SETTLEMENT_SIGNING_KEY are required for drain")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.Settlement.SigningKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse settlement signing key: %w", err)
	}
	signer := settlement.NewTokenSigner(key, cfg.Settlement.Issuer, cfg.Settlement.Audience)
	return settlement.NewClient(cfg.Settlement.BaseURL, signer, cfg.Server.Env), nil
}

// detachedFinalizer stands in for the billing machine when draining from
// outside the server process. State transitions happen on the next
// in-process WAL replay; here we only log the outcomes.
type detachedFinalizer struct {
	store  dlq.Store
	logger *log.Logger
}

func (f detachedFinalizer) MarkAcked(_ context.Context, id string) error {
	f.logger.Printf("settled %s (ack deferred to server wal replay)", id)
	return nil
}

func (f detachedFinalizer) MarkFailed(_ context.Context, id string) error {
	f.logger.Printf("gave up on %s, parked terminally", id)
	return nil
}

func (f detachedFinalizer) IncrementFinalizeAttempts(string) (int, error) { return 0, nil }
