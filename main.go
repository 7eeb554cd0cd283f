// Command bulk-transfers runs the bulk credit-transfer service: HTTP intake,
// the transfer worker pool, the finalizer and the events WebSocket in one
// process.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/paynet/bulk-transfers/api"
	"github.com/paynet/bulk-transfers/broker"
	"github.com/paynet/bulk-transfers/events"
	"github.com/paynet/bulk-transfers/gateway"
	"github.com/paynet/bulk-transfers/store"
	"github.com/paynet/bulk-transfers/transfer"
)

func main() {
	addr := flag.String("addr", ":8000", "HTTP listen address")
	dbDSN := flag.String("db", "", "PostgreSQL DSN (empty: in-memory store)")
	kafkaAddr := flag.String("kafka", "", "Kafka broker address (empty: in-process queues)")
	gatewayURL := flag.String("gateway", "", "Remote transfer gateway URL (empty: stub gateway)")
	transferWorkers := flag.Int("transfer-workers", 5, "Number of concurrent transfer workers")
	finalizeWorkers := flag.Int("finalize-workers", 1, "Number of concurrent finalize workers")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, *dbDSN)
	defer st.Close()
	api.SetStoreReady(true)

	br := openBroker(ctx, *kafkaAddr)
	defer br.Close()

	var gw gateway.RemoteTransferGateway
	if *gatewayURL != "" {
		gw = gateway.NewHTTPGateway(*gatewayURL)
		log.Printf("using remote gateway at %s", *gatewayURL)
	} else {
		gw = gateway.NewStubGateway()
		log.Print("using stub gateway")
	}

	hub := events.NewHub()
	go hub.Run()

	service := transfer.NewService(st, br)
	service.SetNotifier(hub)
	worker := transfer.NewWorker(st, br, gw)
	finalizer := transfer.NewFinalizer(st, hub)

	var pools sync.WaitGroup
	pools.Add(2)
	go func() {
		defer pools.Done()
		transfer.NewTransferPool(worker, br, *transferWorkers).Run(ctx)
	}()
	go func() {
		defer pools.Done()
		transfer.NewFinalizePool(finalizer, br, *finalizeWorkers).Run(ctx)
	}()

	server := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(service, worker, finalizer, br, hub).Handler(),
	}
	go func() {
		log.Printf("HTTP server listening on %s", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	pools.Wait()
	log.Print("all workers drained, bye")
}

func openStore(ctx context.Context, dsn string) store.Store {
	if dsn == "" {
		log.Print("using in-memory store")
		return seedDemoAccount(store.NewMemoryStore())
	}

	pg, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	return pg
}

func openBroker(ctx context.Context, addr string) broker.Broker {
	if addr == "" {
		log.Print("using in-process job queues")
		return broker.NewMemoryBroker()
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := broker.WaitReady(waitCtx, addr); err != nil {
		log.Fatalf("kafka not ready: %v", err)
	}
	if err := broker.EnsureTopics(waitCtx, addr, 8); err != nil {
		log.Fatalf("failed to ensure topics: %v", err)
	}
	return broker.NewKafkaBroker(strings.Split(addr, ","))
}

// seedDemoAccount provisions one account so the in-memory build is usable out
// of the box.
func seedDemoAccount(st *store.MemoryStore) *store.MemoryStore {
	err := st.Atomic(context.Background(), func(tx store.Tx) error {
		account, err := tx.CreateAccount(context.Background(), &store.BankAccount{
			OrganizationName: "ACME Corp",
			IBAN:             "FR10474608000002006107XXXXX",
			BIC:              "OIVUSCLQXXX",
			BalanceCents:     10000000,
		})
		if err != nil {
			return err
		}
		log.Printf("seeded account id=%d bic=%s iban=%s balance=%d",
			account.ID, account.BIC, account.IBAN, account.BalanceCents)
		return nil
	})
	if err != nil {
		log.Fatalf("failed to seed account: %v", err)
	}
	return st
}
