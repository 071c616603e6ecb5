// Command node starts a quorumnet validator.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tolelom/quorumnet/bft"
	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/config"
	"github.com/tolelom/quorumnet/crypto"
	"github.com/tolelom/quorumnet/crypto/certgen"
	"github.com/tolelom/quorumnet/events"
	"github.com/tolelom/quorumnet/gateway"
	"github.com/tolelom/quorumnet/ledger"
	"github.com/tolelom/quorumnet/mempool"
	"github.com/tolelom/quorumnet/node"
	"github.com/tolelom/quorumnet/primary"
	"github.com/tolelom/quorumnet/rpc"
	"github.com/tolelom/quorumnet/storage"
	"github.com/tolelom/quorumnet/sync"
	"github.com/tolelom/quorumnet/telemetry"
	"github.com/tolelom/quorumnet/wallet"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	connect := flag.String("connect", "", "comma-separated list of seed peer gateway addresses to dial on startup")
	flag.Parse()

	// Read keystore password / raw key from the environment, not CLI
	// flags — flags leak via ps.
	password := os.Getenv("QUORUMNET_KEYSTORE_PASSWORD")
	rawKey := os.Getenv("VALIDATOR_PRIVATE_KEY")

	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *genCerts != "" {
		if err := certgen.GenerateAll(*genCerts, cfg.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfg.NodeID)
		return
	}

	w, err := loadWallet(*keyPath, password, rawKey)
	if err != nil {
		log.Fatalf("load validator key: %v", err)
	}

	logger, err := telemetry.NewLogger(true)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	genesisCommittee, err := config.BuildGenesisCommittee(cfg)
	if err != nil {
		log.Fatalf("build genesis committee: %v", err)
	}
	genesisDigest := config.GenesisHeaderDigest(cfg, genesisCommittee)
	pubkeys := committeePubkeys(cfg)

	// Fixed committee for the node's lifetime — validator rotation across
	// rounds is out of scope (spec.md's §9 Open Question 1 territory, not
	// one this implementation resolves).
	committeeLookup := func(round uint64) (*committee.Committee, error) {
		return genesisCommittee, nil
	}
	gatewayLookup := func() (*committee.Committee, map[string]ed25519.PublicKey) {
		return genesisCommittee, pubkeys
	}

	ledgerSvc, err := ledger.NewReference(db, ledger.CommitteeProvider(committeeLookup), nil)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	dag := storage.New(config.GenesisRound, storage.CommitteeLookup(committeeLookup))
	dag.SetMetrics(metrics)
	emitter := events.NewEmitter()
	pool := mempool.NewShard(cfg.WorkerCount, ledgerSvc)
	pool.SetMetrics(metrics)

	engine := bft.New(bft.Config{
		GenesisRound: config.GenesisRound,
		MaxGCRounds:  cfg.BFT.MaxGCRounds,
	}, dag, storage.CommitteeLookup(committeeLookup), ledgerSvc, pool, emitter, logger.Named("bft"), metrics)

	n := node.New(dag, pool, ledgerSvc, engine, storage.CommitteeLookup(committeeLookup), logger.Named("node"), metrics)

	staticKey, err := gateway.GenerateStaticKeypair()
	if err != nil {
		log.Fatalf("generate noise keypair: %v", err)
	}
	identity := gateway.ValidatorIdentity{Address: w.Address(), Private: w.Ed25519PrivateKey()}

	gwCfg := gateway.Config{
		ListenAddr:          cfg.Gateway.ListenAddr,
		MaxConnections:      cfg.Gateway.MaxConnections,
		MinVersion:          cfg.Gateway.MinVersion,
		NodeType:            "validator",
		PingInterval:        cfg.Gateway.PingInterval,
		IdleTimeout:         cfg.Gateway.IdleTimeout,
		GenesisHeaderDigest: genesisDigest,
		RequireValidator:    cfg.Gateway.RequireValidator,
	}
	gw := gateway.New(gwCfg, staticKey, identity, gatewayLookup, n, metrics, logger.Named("gateway"))
	n.SetGateway(gw)

	resolvePubKey := func(addr string) (ed25519.PublicKey, bool) {
		pub, ok := pubkeys[addr]
		return pub, ok
	}
	prim := primary.New(primary.Config{
		MaxBatchDelay:            cfg.BFT.MaxBatchDelay,
		SignatureCollectionDelay: cfg.BFT.SignatureCollectionDelay,
		MaxTransmissionsPerBatch: cfg.BFT.MaxTransmissionsPerBatch,
		MaxTimestampDriftMillis:  cfg.BFT.MaxTimestampDriftMillis,
	}, primary.Identity{Address: w.Address(), Private: w.Ed25519PrivateKey()}, config.GenesisRound, dag, pool,
		storage.CommitteeLookup(committeeLookup), resolvePubKey, n, engine, logger.Named("primary"), metrics)
	n.SetPrimary(prim)

	syncEng := sync.New(sync.Config{
		MaxBlockLag:           cfg.Sync.MaxBlockLag,
		MaxBlocksPerRequest:    cfg.Sync.MaxBlocksPerRequest,
		FetchTimeout:           cfg.Sync.FetchTimeout,
		MaxCertificateRetries:  cfg.Sync.MaxCertificateRetries,
	}, storage.CommitteeLookup(committeeLookup), ledgerSvc, n, n, engine, emitter, logger.Named("sync"), metrics)
	n.SetSync(syncEng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Run(ctx)

	if err := gw.Listen(); err != nil {
		log.Fatalf("gateway listen: %v", err)
	}
	defer gw.Stop()
	logger.Info("gateway listening", zap.String("addr", cfg.Gateway.ListenAddr))

	go engine.Run(ctx)
	go prim.Run(ctx)
	go syncEng.Run(ctx)
	go n.PingLoop(ctx, cfg.Gateway.PingInterval)
	go n.GCLoop(ctx, 30*time.Second, cfg.BFT.MaxGCRounds)

	for _, sp := range cfg.SeedPeers {
		if err := gw.Dial(sp.Addr); err != nil {
			logger.Warn("seed peer dial failed", zap.String("addr", sp.Addr), zap.Error(err))
			continue
		}
		logger.Info("connected to seed peer", zap.String("addr", sp.Addr))
	}
	for _, addr := range splitNonEmpty(*connect) {
		if err := gw.Dial(addr); err != nil {
			logger.Warn("connect flag dial failed", zap.String("addr", addr), zap.Error(err))
		}
	}

	rpcTLSConfig, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("rpc tls: %v", err)
	}

	rpcHandler := rpc.NewHandler(dag, pool, ledgerSvc, engine, storage.CommitteeLookup(committeeLookup))
	rpcServer := rpc.NewServer(cfg.RPCAddr, rpcHandler, cfg.RPCAuthToken, rpcTLSConfig)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	logger.Info("rpc listening", zap.String("addr", cfg.RPCAddr))

	logger.Info("node started", zap.String("validator", w.Address()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	cancel()
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// loadWallet prefers a raw private key supplied via VALIDATOR_PRIVATE_KEY
// (spec.md §6's CLI surface), falling back to the on-disk keystore.
func loadWallet(keyPath, password, rawKey string) (*wallet.Wallet, error) {
	if rawKey != "" {
		priv, err := crypto.PrivKeyFromHex(rawKey)
		if err != nil {
			return nil, fmt.Errorf("VALIDATOR_PRIVATE_KEY: %w", err)
		}
		return wallet.New(priv), nil
	}
	priv, err := wallet.LoadKey(keyPath, password)
	if err != nil {
		return nil, err
	}
	return wallet.New(priv), nil
}

func committeePubkeys(cfg *config.Config) map[string]ed25519.PublicKey {
	out := make(map[string]ed25519.PublicKey, len(cfg.Genesis.Validators))
	for _, v := range cfg.Genesis.Validators {
		pub, err := crypto.PubKeyFromHex(v.PubKey)
		if err != nil {
			continue
		}
		out[pub.Address()] = ed25519.PublicKey(pub)
	}
	return out
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
