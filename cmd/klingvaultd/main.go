// Package main provides klingvaultd, the storage node daemon: a libp2p
// DHT peer that validates, pays for, merges and commits PUT requests for
// chunks, registers and spends.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/commit"
	"github.com/klingon-exchange/klingvault/internal/config"
	"github.com/klingon-exchange/klingvault/internal/cryptoutil"
	"github.com/klingon-exchange/klingvault/internal/events"
	"github.com/klingon-exchange/klingvault/internal/metrics"
	"github.com/klingon-exchange/klingvault/internal/p2pnet"
	"github.com/klingon-exchange/klingvault/internal/payment"
	"github.com/klingon-exchange/klingvault/internal/peerstore"
	"github.com/klingon-exchange/klingvault/internal/putcore"
	"github.com/klingon-exchange/klingvault/internal/record"
	"github.com/klingon-exchange/klingvault/internal/recstore"
	"github.com/klingon-exchange/klingvault/internal/register"
	"github.com/klingon-exchange/klingvault/internal/replication"
	"github.com/klingon-exchange/klingvault/internal/spend"
	"github.com/klingon-exchange/klingvault/internal/wallet"
	"github.com/klingon-exchange/klingvault/pkg/logging"

	_ "github.com/mattn/go-sqlite3"
)

var (
	version = "0.1.0-dev"
	commitHash = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.klingvault", "Data directory")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		httpAddr       = flag.String("http", "127.0.0.1:8181", "Events/metrics HTTP address")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT participation")
		testnet        = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("klingvaultd %s (commit: %s)", version, commitHash)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir
	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	} else {
		cfg.NetworkType = config.NetworkMainnet
	}
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := expandPath(cfg.Storage.DataDir)

	store, err := recstore.Open(recstore.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("failed to open record store", "error", err)
	}
	defer store.Close()
	log.Info("record store opened", "path", dataPath)

	walletDB, err := openWalletDB(dataPath)
	if err != nil {
		log.Fatal("failed to open wallet database", "error", err)
	}
	defer walletDB.Close()

	peers, err := peerstore.Open(dataPath)
	if err != nil {
		log.Fatal("failed to open peer database", "error", err)
	}
	defer peers.Close()

	if recent, err := peers.RecentPeers(7*24*time.Hour, 50); err != nil {
		log.Warn("failed to load recent peers", "error", err)
	} else {
		for _, p := range recent {
			cfg.Network.BootstrapPeers = append(cfg.Network.BootstrapPeers, p.Addresses...)
		}
		if len(recent) > 0 {
			log.Info("seeded bootstrap peers from peer database", "count", len(recent))
		}
	}

	hdWallet, err := loadOrCreateWallet(filepath.Join(dataPath, cfg.Identity.MnemonicFile), walletDB, log)
	if err != nil {
		log.Fatal("failed to load wallet", "error", err)
	}

	var royaltyKey cryptoutil.PublicKey
	if cfg.Payment.RoyaltyPublicKeyHex != "" {
		royaltyKey, err = cryptoutil.PublicKeyFromHex(cfg.Payment.RoyaltyPublicKeyHex)
		if err != nil {
			log.Fatal("invalid royalty public key in config", "error", err)
		}
	} else {
		royaltyKey = hdWallet.mustSpendPublicKey(log)
	}

	eventsHub := events.NewHub()
	go eventsHub.Run()

	metricsSink := metrics.NewPromSink()

	router := &putcore.Router{
		Store:     store,
		Registers: &register.Validator{Store: store, Log: log.Component("register")},
		Spends:    &spend.Validator{Store: store, Log: log.Component("spend")},
		Events:    eventsHub,
		Metrics:   metricsSink,
		Log:       log.Component("putcore"),
	}

	node, err := p2pnet.New(ctx, cfg, router)
	if err != nil {
		log.Fatal("failed to create p2p node", "error", err)
	}

	decryptor, err := cryptoutil.NewTransferDecryptor(node.Identity())
	if err != nil {
		log.Fatal("failed to derive transfer decryptor from node identity", "error", err)
	}

	router.Payment = &payment.Validator{
		Wallet:        hdWallet,
		Decryptor:     decryptor,
		RoyaltyPubKey: royaltyKey,
		RoyaltyRateBP: cfg.Payment.RoyaltyRateBasisPoints,
		Log:           log.Component("payment"),
	}
	router.Net = &netView{node: node}

	replicationWorker := replication.NewWorker(&p2pnet.DHTSender{Node: node, Store: store}, replication.Config{
		PollInterval: cfg.Network.ReplicationPollInterval,
		BatchSize:    cfg.Network.ReplicationBatchSize,
	})
	router.Outbound = replicationWorker
	router.Fetcher = replication.NewNotifier()
	replicationWorker.Start()
	defer replicationWorker.Stop()

	if err := node.Start(); err != nil {
		log.Fatal("failed to start p2p node", "error", err)
	}
	node.ServePutProtocol(router)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", eventsHub)
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("events/metrics http server stopped", "error", err)
		}
	}()

	nodeLog := log.Component("p2p")
	node.OnPeerConnected(func(p peer.ID) {
		nodeLog.Info("peer connected", "peer", shortID(p), "total", node.PeerCount())

		addrs := node.Host().Peerstore().Addrs(p)
		addrStrs := make([]string, len(addrs))
		for i, a := range addrs {
			addrStrs[i] = a.String()
		}
		now := time.Now()
		if err := peers.Upsert(&peerstore.Record{
			PeerID:        p.String(),
			Addresses:     addrStrs,
			FirstSeen:     now,
			LastSeen:      now,
			LastConnected: now,
		}); err != nil {
			nodeLog.Debug("failed to persist peer sighting", "peer", shortID(p), "error", err)
		}
	})
	node.OnPeerDisconnected(func(p peer.ID) {
		nodeLog.Info("peer disconnected", "peer", shortID(p), "total", node.PeerCount())
	})

	printBanner(log, node, cfg, *httpAddr)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("status", "peers", node.PeerCount(), "uptime", node.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping events/metrics http server", "error", err)
	}
	node.StopPutProtocol()
	if err := node.Stop(); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	log.Info("goodbye!")
}

// netView adapts a *p2pnet.Node into the spend validator's network-facing
// p2pnet.View, decoding raw DHT values into concrete spend.Spend slices.
// It lives here, not in internal/p2pnet, because internal/spend already
// imports internal/p2pnet (for the View interface itself) — an import the
// other way would cycle.
type netView struct {
	node *p2pnet.Node
}

func (v *netView) GetRawSpends(ctx context.Context, key [32]byte) ([][]byte, error) {
	raw, ok, err := v.node.GetValue(ctx, address.Key(key))
	if err != nil || !ok {
		return nil, err
	}
	return [][]byte{raw}, nil
}

func (v *netView) SpendAncestryStatus(ctx context.Context, parentKey [32]byte) (bool, error) {
	raw, ok, err := v.node.GetValue(ctx, address.Key(parentKey))
	if err != nil || !ok {
		return false, err
	}
	spends, err := record.Decode[[]spend.Spend](raw)
	if err != nil {
		return false, nil
	}
	return len(spends) > 1, nil
}

func openWalletDB(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dataDir, "wallet.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func loadOrCreateWallet(mnemonicPath string, db *sql.DB, log *logging.Logger) (*hdWalletWithKey, error) {
	if data, err := os.ReadFile(mnemonicPath); err == nil {
		w, err := wallet.NewFromMnemonic(strings.TrimSpace(string(data)), "", db)
		if err != nil {
			return nil, fmt.Errorf("load wallet mnemonic: %w", err)
		}
		return &hdWalletWithKey{HDWallet: w}, nil
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return nil, fmt.Errorf("generate wallet mnemonic: %w", err)
	}
	if err := os.WriteFile(mnemonicPath, []byte(mnemonic+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("persist wallet mnemonic: %w", err)
	}
	log.Warn("generated a new wallet seed phrase; back it up", "path", mnemonicPath)

	w, err := wallet.NewFromMnemonic(mnemonic, "", db)
	if err != nil {
		return nil, fmt.Errorf("derive wallet from new mnemonic: %w", err)
	}
	return &hdWalletWithKey{HDWallet: w}, nil
}

// hdWalletWithKey adds a public-key accessor that exits the process through
// log.Fatal on failure, for main's own wiring convenience; it still
// satisfies wallet.Wallet unmodified.
type hdWalletWithKey struct {
	*wallet.HDWallet
}

func (w *hdWalletWithKey) mustSpendPublicKey(log *logging.Logger) cryptoutil.PublicKey {
	priv, err := w.SpendKey()
	if err != nil {
		log.Fatal("failed to derive wallet spend key", "error", err)
	}
	return priv.Public()
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func printBanner(log *logging.Logger, n *p2pnet.Node, cfg *config.Config, httpAddr string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  klingvaultd (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  Events/metrics: http://%s/ws  http://%s/metrics", httpAddr, httpAddr)
	log.Infof("  Network: %s | mDNS: %v | DHT: %v", networkLabel, cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
