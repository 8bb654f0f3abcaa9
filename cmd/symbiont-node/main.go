package main

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/symbiont-net/node/internal/api"
	"github.com/symbiont-net/node/internal/config"
	"github.com/symbiont-net/node/internal/node"
	"github.com/symbiont-net/node/internal/store"
	"github.com/symbiont-net/node/internal/symcrypto"
	"github.com/symbiont-net/node/internal/transport"
	"github.com/symbiont-net/node/internal/workflow"
	"github.com/symbiont-net/node/pkg/symbiont"
)

func main() {
	log.Println("Starting Symbiont node...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbUrl := config.RequireEnv("DATABASE_URL")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbStore, err := store.Connect(ctx, dbUrl)
	if err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persisting node state. Error: %v", err)
		dbStore = nil
	} else {
		defer dbStore.Close()
		if err := dbStore.InitSchema(ctx); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
	}

	signer, hashFunc, err := newIdentity()
	if err != nil {
		log.Fatalf("FATAL: failed to initialize node identity: %v", err)
	}

	self := symcrypto.DeriveNodeID(signer.PublicKey(), hashFunc)
	log.Printf("node identity: %s", self)

	cfg := config.Default()
	n := node.New(cfg, self, signer, hashFunc)

	// Capabilities this node serves, e.g. SYMBIONT_CAPABILITIES=analysis,translation
	for _, capID := range strings.Split(config.GetEnvOrDefault("SYMBIONT_CAPABILITIES", ""), ",") {
		if capID = strings.TrimSpace(capID); capID != "" {
			n.RegisterCapability(capID)
		}
	}

	if dbStore != nil {
		if conns, err := dbStore.LoadConnections(ctx, self); err != nil {
			log.Printf("Warning: failed to load persisted connections: %v", err)
		} else if len(conns) > 0 {
			log.Printf("loaded %d persisted connections", len(conns))
		}
	}

	// Setup the peer transport: defense signals sent through
	// internal/node's signalSender hook (raised by the maintenance
	// tick's detection scans, or forwarded copies of received signals)
	// go out as defense_signal envelopes.
	peerTransport := transport.NewWebsocketTransport()
	n.SetSignalSender(func(target symbiont.NodeID, signal symbiont.DefenseSignal) {
		payload, err := json.Marshal(signal)
		if err != nil {
			log.Printf("node: failed to marshal defense signal for %s: %v", target, err)
			return
		}
		env := transport.Envelope{Type: transport.EnvelopeDefenseSignal, Payload: payload}
		if err := peerTransport.Send(target, env); err != nil {
			log.Printf("node: failed to dispatch defense signal to %s: %v", target, err)
		}
	})

	// Event-handler role: drain inbound envelopes (defense signals,
	// affirmations, hand-offs) from the peer transport.
	go n.RunEventLoop(ctx, peerTransport)

	wfManager := workflow.NewManager(cfg)
	registry := workflow.NewLocalNetwork(n)
	executor := workflow.NewExecutor(wfManager, registry)

	// Maintenance tick loop: priming decay, connection decay, diversity
	// and status checks, adversary scan.
	go n.Run(ctx, 30*time.Second, nil)

	// Persist connection state periodically. The rows loaded at boot
	// (above) are only counted; they are not fed back into the node.
	if dbStore != nil {
		go persistLoop(ctx, dbStore, n, self, 5*time.Minute)
	}

	wsHub := api.NewHub()
	go wsHub.Run()

	r := api.SetupRouter(n, wfManager, executor, peerTransport, wsHub)

	port := config.GetEnvOrDefault("PORT", "7420")

	log.Printf("Symbiont node listening on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// newIdentity builds this node's signer and hash function from
// environment configuration. SYMBIONT_SIGNER selects the public-key
// scheme; SYMBIONT_HASH selects the hash used to derive the NodeID
// and for canonical-bytes signing.
func newIdentity() (symcrypto.Signer, symcrypto.HashFunc, error) {
	hashFunc := symcrypto.HashFunc(symcrypto.DoubleSHA256)
	if config.GetEnvOrDefault("SYMBIONT_HASH", "sha256") == "blake256" {
		hashFunc = symcrypto.Blake256
	}

	var signer symcrypto.Signer
	var err error
	switch config.GetEnvOrDefault("SYMBIONT_SIGNER", "ed25519") {
	case "secp256k1":
		signer, err = symcrypto.NewSecp256k1Signer()
	default:
		signer, err = symcrypto.NewEd25519Signer()
	}
	if err != nil {
		return nil, nil, err
	}
	return signer, hashFunc, nil
}

// persistLoop flushes the node's live connection state to Postgres on
// an interval. Nothing restores these rows into a running node; boot
// only counts them.
func persistLoop(ctx context.Context, dbStore *store.PostgresStore, n *node.Node, self symbiont.NodeID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dbStore.SaveConnections(ctx, self, n.Connections().Connections()); err != nil {
				log.Printf("store: failed to persist connections: %v", err)
			}
		}
	}
}
