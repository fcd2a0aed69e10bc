package actors

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/order"
	"taskmarket/request"
	"taskmarket/review"
)

// Actors drive the real services against the stress database. Domain
// rejections (invalid state, forbidden, conflict) are the expected product of
// contention and are swallowed; so are transport errors, because the chaos
// goroutine terminates backends at random. Only context cancellation stops an
// actor.

// Poster keeps the market supplied: it creates an open request and immediately
// approves it so responders always have something to bid on.
func Poster(ctx context.Context, svc *request.Service, clientID, serviceID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		created, err := svc.Create(ctx, request.CreateParams{
			ClientID:     clientID,
			ServiceID:    serviceID,
			Description:  "stress request",
			Address:      "Main st 1",
			City:         "Riga",
			Phone:        "+100000",
			WorkLocation: request.WorkOnAddress,
			Type:         request.TypeToAll,
		})
		if err == nil {
			_, _ = svc.Approve(ctx, created.ID)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Responder picks a random approved open request and bids on it, sometimes
// rebidding with a new price and sometimes withdrawing. Upserts and withdrawals
// racing an acceptance are settled by the request row lock.
func Responder(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, performerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID string
		err := pool.QueryRow(ctx, `SELECT id FROM requests
            WHERE status = 'pending' AND moderation_status = 'approved'
            ORDER BY random() LIMIT 1`).Scan(&requestID)
		if err == nil {
			switch rand.Intn(4) {
			case 0:
				_ = svc.WithdrawResponse(ctx, requestID, performerID)
			default:
				_, _ = svc.SubmitResponse(ctx, request.SubmitResponseParams{
					RequestID:   requestID,
					PerformerID: performerID,
					Price:       int64(50 + rand.Intn(450)),
					Comment:     "stress bid",
				})
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Accepter races to accept responses on the client's open requests. At most
// one acceptance per request may ever win; every loser must get a clean
// domain rejection, never a second order.
func Accepter(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID, performerID string
		err := pool.QueryRow(ctx, `SELECT r.id, rr.performer_id
            FROM requests r
            JOIN request_responses rr ON rr.request_id = r.id
            WHERE r.status = 'pending' AND r.client_id = $1
            ORDER BY random() LIMIT 1`, clientID).Scan(&requestID, &performerID)
		if err == nil {
			_, _ = svc.Accept(ctx, request.AcceptParams{
				RequestID:   requestID,
				ClientID:    clientID,
				PerformerID: performerID,
			})
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Canceler occasionally cancels one of the client's live requests, racing the
// accepters. A cancellation landing on an active request must drag the order
// down with it in the same transaction.
func Canceler(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(3) == 0 {
			var requestID string
			err := pool.QueryRow(ctx, `SELECT id FROM requests
                WHERE status IN ('pending', 'active') AND client_id = $1
                ORDER BY random() LIMIT 1`, clientID).Scan(&requestID)
			if err == nil {
				_, _ = svc.Cancel(ctx, request.CancelParams{
					RequestID: requestID,
					ActorID:   clientID,
					ActorRole: "client",
					Reason:    "stress cancel",
				})
			}
		}
		time.Sleep(time.Duration(120+rand.Intn(120)) * time.Millisecond)
	}
}

// Completer confirms random active orders. Mostly as the client, whose word is
// final; sometimes as the performer, whose call is advisory and must leave the
// order untouched.
func Completer(ctx context.Context, pool *pgxpool.Pool, svc *order.Service, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID, performerID string
		err := pool.QueryRow(ctx, `SELECT id, performer_id FROM orders
            WHERE status = 'active' AND client_id = $1
            ORDER BY random() LIMIT 1`, clientID).Scan(&orderID, &performerID)
		if err == nil {
			params := order.CompleteParams{OrderID: orderID, ActorID: clientID, ActorRole: "client"}
			if rand.Intn(3) == 0 {
				params.ActorID = performerID
				params.ActorRole = "performer"
			}
			_, _ = svc.MarkCompleted(ctx, params)
		}
		time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
	}
}

// Reviewer rates completed orders, deliberately retrying orders it already
// reviewed to exercise the one-review-per-order guard under concurrency.
func Reviewer(ctx context.Context, pool *pgxpool.Pool, svc *review.Service, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var orderID string
		err := pool.QueryRow(ctx, `SELECT id FROM orders
            WHERE status = 'completed' AND client_id = $1
            ORDER BY random() LIMIT 1`, clientID).Scan(&orderID)
		if err == nil {
			_, _ = svc.Submit(ctx, review.SubmitParams{
				OrderID:    orderID,
				ReviewerID: clientID,
				Rating:     1 + rand.Intn(5),
				Comment:    "stress review",
			})
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox rows with SKIP LOCKED, simulating the
// occasional delivery failure so attempts climb before the row is processed.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending'
            ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
