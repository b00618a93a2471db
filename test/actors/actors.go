package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/wallet"
)

// tolerable reports whether an error is an expected rejection under
// contention rather than a harness failure. Guards, balance shortfalls and
// lost races are the point of the stress run.
func tolerable(err error) bool {
	return escrow.IsStateGuard(err) ||
		escrow.IsValidation(err) ||
		escrow.IsInsufficientBalance(err) ||
		escrow.IsNotFound(err) ||
		wallet.IsTransport(err)
}

// Funder creates payments on the order and immediately funds them. The
// simulator balance is topped up before each attempt so funding only fails on
// state races.
func Funder(ctx context.Context, engine *escrow.Engine, sim *wallet.Simulator, orderID int64, buyer, supplier string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := int64(1000 + rand.Intn(9000))
		sim.Mint(buyer, amount)
		p, err := engine.CreatePayment(ctx, escrow.CreatePaymentParams{
			OrderID:  orderID,
			Buyer:    buyer,
			Supplier: supplier,
			Amount:   amount,
			Type:     escrow.TypeFullPayment,
		})
		if err != nil {
			if !tolerable(err) {
				return fmt.Errorf("funder create: %w", err)
			}
			continue
		}
		if _, err := engine.FundPayment(ctx, p.ID, amount); err != nil && !tolerable(err) {
			return fmt.Errorf("funder fund: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Settler picks a funded payment and settles it, releasing or refunding at
// random. Competing settlers racing for the same payment must each end with
// exactly one winner.
func Settler(ctx context.Context, engine *escrow.Engine, pool *pgxpool.Pool, orderID int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, err := pickPayment(ctx, pool, orderID, "funded")
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("settler pick: %w", err)
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if rand.Intn(2) == 0 {
			_, err = engine.ReleasePayment(ctx, id)
		} else {
			_, err = engine.RefundPayment(ctx, id)
		}
		if err != nil && !tolerable(err) {
			return fmt.Errorf("settler settle %d: %w", id, err)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputer files disputes against funded payments and resolves disputed ones,
// exercising both sides of the dispute lifecycle.
func Disputer(ctx context.Context, engine *escrow.Engine, pool *pgxpool.Pool, orderID int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, err := pickPayment(ctx, pool, orderID, "funded"); err == nil {
			if _, err := engine.CreateDispute(ctx, id, "stress dispute", ""); err != nil && !tolerable(err) {
				return fmt.Errorf("disputer file %d: %w", id, err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("disputer pick funded: %w", err)
		}

		if id, err := pickPayment(ctx, pool, orderID, "disputed"); err == nil {
			if _, err := engine.ResolveDispute(ctx, id, "stress resolution"); err != nil && !tolerable(err) {
				return fmt.Errorf("disputer resolve %d: %w", id, err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("disputer pick disputed: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Depositor pushes extra funds into the order balance outside any payment.
func Depositor(ctx context.Context, engine *escrow.Engine, sim *wallet.Simulator, orderID int64, buyer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := int64(100 + rand.Intn(900))
		sim.Mint(buyer, amount)
		if _, err := engine.Deposit(ctx, orderID, buyer, amount); err != nil && !tolerable(err) {
			return fmt.Errorf("depositor: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Sweeper attempts full-balance sweeps to the supplier. Most attempts are
// refused while payments still hold funds; the refusals are the interesting
// part.
func Sweeper(ctx context.Context, engine *escrow.Engine, orderID int64, supplier string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := engine.ReleaseToSupplier(ctx, orderID, supplier); err != nil && !tolerable(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

func pickPayment(ctx context.Context, pool *pgxpool.Pool, orderID int64, state string) (int64, error) {
	var id int64
	err := pool.QueryRow(ctx,
		`SELECT id FROM payments WHERE order_id = $1 AND state = $2 ORDER BY random() LIMIT 1`,
		orderID, state).Scan(&id)
	return id, err
}
