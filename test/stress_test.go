package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
	"escrowflow/wallet"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "kill random database backends mid-run")
)

// TestEscrowConcurrency hammers one order with competing funders, settlers,
// disputers and sweepers against a real Postgres, while SQL oracles check the
// ledger invariants every couple of seconds.
func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in short mode")
	}
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("ESCROW_TEST_PG_DSN") != "":
		dsn = os.Getenv("ESCROW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	sim := wallet.NewSimulator()
	engine, err := escrow.NewEngine(ledger.NewPGStore(pool), sim, escrow.Options{
		FeeRateBps:     25,
		HoldingAccount: "escrow-holding",
		FeeAccount:     "platform-fees",
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	const (
		orderID  = int64(1)
		buyer    = "stress-buyer"
		supplier = "stress-supplier"
	)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Funder(ctx2, engine, sim, orderID, buyer, supplier, stop) })
		g.Go(func() error { return actors.Settler(ctx2, engine, pool, orderID, stop) })
	}
	g.Go(func() error { return actors.Disputer(ctx2, engine, pool, orderID, stop) })
	g.Go(func() error { return actors.Depositor(ctx2, engine, sim, orderID, buyer, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, engine, orderID, supplier, stop) })

	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// Final reconciliation: the simulator's holding balance must equal the sum
	// of order balances once the actors stop.
	var held int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM orders`).Scan(&held); err != nil {
		t.Fatalf("sum balances: %v", err)
	}
	if got := sim.Balance("escrow-holding"); got != held {
		t.Fatalf("holding account %d != recorded balances %d", got, held)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"payments", `SELECT id, order_id, amount, state FROM payments ORDER BY id DESC LIMIT 50`},
		{"orders", `SELECT order_id, balance FROM orders ORDER BY order_id DESC LIMIT 50`},
		{"disputes", `SELECT payment_id, resolved, created_at FROM disputes ORDER BY created_at DESC LIMIT 50`},
		{"payment_events", `SELECT id, payment_id, order_id, type, amount FROM payment_events ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
