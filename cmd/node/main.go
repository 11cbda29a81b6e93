package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/mutaset/internal/api"
	"github.com/rawblock/mutaset/internal/eventlog"
	"github.com/rawblock/mutaset/internal/mining"
	"github.com/rawblock/mutaset/internal/state"
	"github.com/rawblock/mutaset/internal/wallet"
	"github.com/rawblock/mutaset/pkg/kvstore"
)

// statusInterval is how often the current mining status and chain tip are
// pushed to dashboards over the websocket hub.
const statusInterval = 2 * time.Second

// statusPayload mirrors the shape dashboards poll for over /rpc: mining
// phase plus the digest at the tip, pushed instead of polled.
type statusPayload struct {
	Mining mining.Snapshot `json:"mining"`
	Tip    string          `json:"tip,omitempty"`
	Height int64           `json:"height,omitempty"`
}

// broadcastStatus pushes gs's current mining status and tip to wsHub on
// every tick, and immediately on startup, until ctx is cancelled.
func broadcastStatus(ctx context.Context, gs *state.GlobalState, wsHub *api.Hub) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	publish := func() {
		payload := statusPayload{Mining: gs.Mining().Snapshot()}
		if block, ok := gs.LatestBlock(); ok {
			payload.Tip = block.Hash.String()
			payload.Height = block.Header.Height
		}
		blob, err := json.Marshal(payload)
		if err != nil {
			log.Printf("warning: encode status payload: %v", err)
			return
		}
		wsHub.Broadcast(blob)
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			publish()
		}
	}
}

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "runs the mutator-set consensus engine as a long-lived full node process",
		RunE:  runNode,
	}
	root.PersistentFlags().String("data-dir", getEnvOrDefault("MUTASET_DATA_DIR", "./data"), "directory holding the node's persistent state")
	root.PersistentFlags().String("server-addr", getEnvOrDefault("MUTASET_SERVER_ADDR", ":5339"), "address the RPC/API server listens on")
	root.PersistentFlags().String("network", getEnvOrDefault("MUTASET_NETWORK", "mainnet"), "network this node participates in")

	if err := root.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func runNode(cmd *cobra.Command, _ []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	serverAddr, _ := cmd.Flags().GetString("server-addr")
	network, _ := cmd.Flags().GetString("network")

	log.Printf("starting mutaset node (network=%s, data-dir=%s)", network, dataDir)

	store, err := kvstore.Open(filepath.Join(dataDir, "db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	roles := mining.Roles{
		Compose: getEnvOrDefault("MUTASET_COMPOSE", "true") == "true",
		Guess:   getEnvOrDefault("MUTASET_GUESS", "true") == "true",
	}

	gs, err := state.New(store, roles)
	if err != nil {
		return fmt.Errorf("open consensus state: %w", err)
	}

	// A wallet secret file is optional at startup: a node with none runs
	// watch-only, deriving no keys of its own until `walletctl
	// generate-wallet` or `walletctl import-seed-phrase` creates one.
	walletSecretPath := filepath.Join(dataDir, network, "wallet", wallet.SecretFileName)
	if secret, err := wallet.LoadSecretFile(walletSecretPath); err != nil {
		log.Printf("no wallet secret at %s; running watch-only until one is created with `walletctl generate-wallet`", walletSecretPath)
	} else {
		seed, err := wallet.SeedFromMnemonic(secret.Mnemonic, "")
		if err != nil {
			log.Printf("warning: wallet secret at %s has an invalid mnemonic, running watch-only: %v", walletSecretPath, err)
		} else {
			gs.Wallet().SetKeySource(wallet.NewKeyIterator(seed))
		}
	}

	// The audit event log is an optional secondary sink (internal/eventlog):
	// its absence never prevents the node from running.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		events, err := eventlog.Connect(dbURL)
		if err != nil {
			log.Printf("warning: eventlog unavailable, continuing without an audit sink: %v", err)
		} else {
			defer events.Close()
			if err := events.InitSchema(); err != nil {
				log.Printf("warning: eventlog schema init failed: %v", err)
			}
			gs.SetEventLog(events)
		}
	} else {
		log.Println("DATABASE_URL not set; running without the audit event log")
	}

	token, err := api.LoadOrCreateAuthCookie(dataDir)
	if err != nil {
		return fmt.Errorf("load auth cookie: %w", err)
	}

	wsHub := api.NewHub()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Hub.Run has no stop signal, so it runs outside the group rather than
	// holding g.Wait open forever.
	go wsHub.Run()

	// The job queue's worker goroutine is self-starting; Start only needs
	// to be called once, not awaited.
	gs.Jobs().Start(gctx)

	g.Go(func() error {
		return broadcastStatus(gctx, gs, wsHub)
	})

	shutdownRequested, requestShutdown := context.WithCancel(context.Background())
	router := api.SetupRouter(gs, wsHub, token, requestShutdown)
	srv := &http.Server{Addr: serverAddr, Handler: router}

	g.Go(func() error {
		log.Printf("rpc/api server listening on %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rpc/api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-shutdownRequested.Done():
		}
		stop() // cancels gctx, so broadcastStatus returns on an RPC shutdown too
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("node shut down cleanly")
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
