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

	"taskmarket/catalog"
	"taskmarket/matching"
	"taskmarket/order"
	"taskmarket/outbox"
	"taskmarket/performer"
	"taskmarket/request"
	"taskmarket/review"
	"taskmarket/test/actors"
	"taskmarket/test/chaos"
	"taskmarket/test/infra"
	"taskmarket/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestMarketplaceConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

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
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
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

	// migrations
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

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// real services against the stress database
	catalogStore, err := catalog.Load(ctx, pool)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	performerSvc := performer.NewService(performer.NewRepository(pool))
	requestRepo := request.NewRepository(pool)
	orderRepo := order.NewRepository(pool)
	orderSvc := order.NewService(pool, orderRepo, outbox.NewWriter())
	resolver := matching.NewResolver(performerSvc, catalogStore, requestRepo)
	requestSvc := request.NewService(pool, requestRepo, orderSvc, outbox.NewWriter(), 72*time.Hour).
		WithResolver(resolver)
	reviewSvc := review.NewService(pool, review.NewRepository(pool), orderRepo, performerSvc, outbox.NewWriter())

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// performers bidding and the client racing to accept them
	for i := 0; i < *flConcurrency; i++ {
		performerID := seedData.performerIDs[i%len(seedData.performerIDs)]
		g.Go(func() error { return actors.Responder(ctx2, pool, requestSvc, performerID, stop) })
		g.Go(func() error { return actors.Accepter(ctx2, pool, requestSvc, seedData.clientID, stop) })
	}

	// supply of fresh requests
	g.Go(func() error { return actors.Poster(ctx2, requestSvc, seedData.clientID, seedData.serviceID, stop) })
	// cancellations racing acceptance
	g.Go(func() error { return actors.Canceler(ctx2, pool, requestSvc, seedData.clientID, stop) })
	// completions, client-confirmed and performer-advisory
	g.Go(func() error { return actors.Completer(ctx2, pool, orderSvc, seedData.clientID, stop) })
	// reviews, including deliberate duplicates
	g.Go(func() error { return actors.Reviewer(ctx2, pool, reviewSvc, seedData.clientID, stop) })
	// outbox worker
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
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

type seedIDs struct {
	categoryID   string
	serviceID    string
	clientID     string
	performerIDs []string
	requestID    string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	// catalog
	if err := pool.QueryRow(ctx, `INSERT INTO categories (name) VALUES ($1) RETURNING id`, fmt.Sprintf("Stress %d", rand.Int63())).Scan(&s.categoryID); err != nil {
		t.Fatalf("seed category: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO services (category_id, name, allows_company, allows_private_individual)
        VALUES ($1, $2, true, true) RETURNING id`, s.categoryID, fmt.Sprintf("Stress service %d", rand.Int63())).Scan(&s.serviceID); err != nil {
		t.Fatalf("seed service: %v", err)
	}
	// client
	if err := pool.QueryRow(ctx, `INSERT INTO clients (full_name, phone) VALUES ($1, '+100000') RETURNING id`, fmt.Sprintf("Stress client %d", rand.Int63())).Scan(&s.clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	// performers, all in the same city the poster targets
	for i := 0; i < 4; i++ {
		var id string
		if err := pool.QueryRow(ctx, `INSERT INTO performers (full_name, phone, city, status)
            VALUES ($1, $2, 'Riga', 'available') RETURNING id`,
			fmt.Sprintf("Stress performer %d-%d", i, rand.Int63()), fmt.Sprintf("+10000%d", i)).Scan(&id); err != nil {
			t.Fatalf("seed performer: %v", err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO performer_services (performer_id, service_id) VALUES ($1, $2)`, id, s.serviceID); err != nil {
			t.Fatalf("seed performer service: %v", err)
		}
		s.performerIDs = append(s.performerIDs, id)
	}
	// one approved request so actors start hot before the poster catches up
	if err := pool.QueryRow(ctx, `INSERT INTO requests (client_id, service_id, description, address, city, phone, work_location, request_type, status, moderation_status)
        VALUES ($1, $2, 'stress seed request', 'Main st 1', 'Riga', '+100000', 'on_address', 'to_all', 'pending', 'approved') RETURNING id`,
		s.clientID, s.serviceID).Scan(&s.requestID); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"requests", `SELECT id, status, moderation_status, selected_performer_id, updated_at FROM requests ORDER BY updated_at DESC LIMIT 50`},
		{"orders", `SELECT id, request_id, performer_id, status, updated_at FROM orders ORDER BY updated_at DESC LIMIT 50`},
		{"reviews", `SELECT id, order_id, performer_id, rating, created_at FROM reviews ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
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
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
