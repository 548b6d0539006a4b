// Command kademeshd is the thin CLI wrapper around a node: serve (run
// the DHT and chunk-transfer server), store (ingest a file), get
// (resolve and download a file), and verify (re-check local integrity).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Amuroboclub14/p2p-cas-research/internal/dht"
	"github.com/Amuroboclub14/p2p-cas-research/internal/transfer"
	"github.com/Amuroboclub14/p2p-cas-research/pkg/cas"
	"github.com/Amuroboclub14/p2p-cas-research/pkg/config"
	"github.com/Amuroboclub14/p2p-cas-research/pkg/logging"
	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
	"github.com/Amuroboclub14/p2p-cas-research/pkg/peer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Exit codes, per the external-interfaces section: 0 success, 1
// user/input error, 2 integrity failure, 3 network failure.
const (
	exitOK        = 0
	exitUserError = 1
	exitIntegrity = 2
	exitNetwork   = 3
)

var (
	configPath string
	develLog   bool
)

func main() {
	root := &cobra.Command{
		Use:   "kademeshd",
		Short: "A content-addressed, Kademlia-backed file-sharing node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON config file (defaults built in when omitted)")
	root.PersistentFlags().BoolVar(&develLog, "dev", false, "use human-readable development logging")

	root.AddCommand(newServeCmd(), newStoreCmd(), newGetCmd(), newVerifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFile(configPath)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DHT node and chunk-transfer server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		os.Exit(exitUserError)
	}

	log, err := logging.New(develLog || cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer log.Sync()

	id, err := nodeid.Generate(nil)
	if err != nil {
		return err
	}

	store, err := cas.Open(cfg.StorageDir, int(cfg.ChunkSize), log)
	if err != nil {
		os.Exit(exitUserError)
	}

	node, err := dht.New(dht.Config{
		ID:         id,
		BindAddr:   cfg.DHTAddr(),
		PublicIP:   cfg.DHTBindIP,
		PublicPort: cfg.DHTBindPort,
		Alpha:      cfg.Alpha,
		RPCTimeout: cfg.RPCTimeout(),
		Logger:     log,
	})
	if err != nil {
		os.Exit(exitNetwork)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)
	defer node.Close()

	if len(cfg.Bootstrap) > 0 {
		seeds := make([]dht.Contact, 0, len(cfg.Bootstrap))
		for _, b := range cfg.Bootstrap {
			seeds = append(seeds, dht.Contact{Addr: fmt.Sprintf("%s:%d", b.IP, b.Port)})
		}
		if !node.Bootstrap(ctx, seeds) {
			log.Warnw("bootstrap failed: no seed responded")
		}
	}

	server := transfer.NewServer(store, log)
	if err := server.Listen(cfg.TCPAddr()); err != nil {
		os.Exit(exitNetwork)
	}
	defer server.Close()

	self := peer.NodeDescriptor{NodeID: id.String(), IP: cfg.TCPBindIP, Port: cfg.TCPBindPort}
	manager := peer.New(node, self, log)
	manager.StartRepublishLoop(ctx, store, cfg.BucketRefreshInterval())
	defer manager.StopRepublishLoop()

	go func() {
		if err := server.Serve(); err != nil {
			log.Infow("chunk-transfer server stopped", "error", err)
		}
	}()

	log.Infow("node serving", "dht_addr", node.LocalAddr(), "tcp_addr", server.Addr(), "node_id", id.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func newStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store [file]",
		Short: "Ingest a file into the local chunk store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				os.Exit(exitUserError)
			}
			store, err := cas.Open(cfg.StorageDir, int(cfg.ChunkSize), logging.Noop())
			if err != nil {
				os.Exit(exitUserError)
			}
			manifest, err := store.StoreFile(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUserError)
			}
			fmt.Println(manifest.FileHash)
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	var bootstrapAddr string
	cmd := &cobra.Command{
		Use:   "get [file_hash] [output_path]",
		Short: "Retrieve a file from the local store, or resolve and download it through the DHT when local retrieval fails for a reason other than missing or corrupt chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileHash, outPath := args[0], args[1]
			cfg, err := loadConfig()
			if err != nil {
				os.Exit(exitUserError)
			}
			log := logging.Noop()
			store, err := cas.Open(cfg.StorageDir, int(cfg.ChunkSize), log)
			if err != nil {
				os.Exit(exitUserError)
			}

			if err := store.RetrieveFile(fileHash, outPath); err == nil {
				return nil
			} else if cas.IsIntegrityCheckFailed(err) || cas.IsInsufficientRedundancy(err) || cas.IsMissingParity(err) {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitIntegrity)
			}
			// Not locally retrievable: fall through to a network fetch.

			if bootstrapAddr == "" {
				fmt.Fprintln(os.Stderr, "get: file not available locally and no --bootstrap address given")
				os.Exit(exitNetwork)
			}

			return fetchFromNetwork(cfg, store, log, fileHash, outPath, bootstrapAddr)
		},
	}
	cmd.Flags().StringVar(&bootstrapAddr, "bootstrap", "", "DHT address (ip:port) of a known peer to resolve the file through")
	return cmd
}

func fetchFromNetwork(cfg *config.Config, store *cas.Store, log *zap.SugaredLogger, fileHash, outPath, bootstrapAddr string) error {
	id, err := nodeid.Generate(nil)
	if err != nil {
		return err
	}

	node, err := dht.New(dht.Config{
		ID:         id,
		BindAddr:   "0.0.0.0:0",
		Alpha:      cfg.Alpha,
		RPCTimeout: cfg.RPCTimeout(),
		Logger:     log,
	})
	if err != nil {
		os.Exit(exitNetwork)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout()*10)
	defer cancel()
	node.Start(ctx)
	defer node.Close()

	if !node.Bootstrap(ctx, []dht.Contact{{Addr: bootstrapAddr}}) {
		fmt.Fprintln(os.Stderr, "get: bootstrap contact did not respond")
		os.Exit(exitNetwork)
	}

	manager := peer.New(node, peer.NodeDescriptor{NodeID: id.String()}, log)
	manifest, _, err := manager.ResolveFileManifest(ctx, fileHash)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitNetwork)
	}

	allHashes := make([]string, 0, len(manifest.DataChunks)+len(manifest.ParityChunks))
	for _, ref := range manifest.DataChunks {
		allHashes = append(allHashes, ref.Hash)
	}
	for _, ref := range manifest.ParityChunks {
		allHashes = append(allHashes, ref.Hash)
	}
	holders := manager.FindHolders(ctx, allHashes)
	chunkPeers := make(map[string][]string, len(holders))
	for hash, descs := range holders {
		addrs := make([]string, 0, len(descs))
		for _, d := range descs {
			addrs = append(addrs, d.Addr())
		}
		chunkPeers[hash] = addrs
	}

	downloader := transfer.NewDownloader(store, transfer.DownloaderConfig{
		MaxConcurrency:       cfg.DownloadMaxConcurrency,
		PerConnectionTimeout: cfg.DownloadPerConnectionTimeout(),
		MaxRetriesPerChunk:   cfg.DownloadMaxRetriesPerChunk,
	}, log)

	data, err := downloader.DownloadFile(ctx, manifest, chunkPeers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if cas.IsIntegrityCheckFailed(err) || cas.IsInsufficientRedundancy(err) || cas.IsMissingParity(err) {
			os.Exit(exitIntegrity)
		}
		os.Exit(exitNetwork)
	}

	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}
	return nil
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [file_hash]",
		Short: "Re-verify the local integrity of a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				os.Exit(exitUserError)
			}
			store, err := cas.Open(cfg.StorageDir, int(cfg.ChunkSize), logging.Noop())
			if err != nil {
				os.Exit(exitUserError)
			}
			if err := store.VerifyIntegrity(args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitIntegrity)
			}
			fmt.Println("ok")
			return nil
		},
	}
}
