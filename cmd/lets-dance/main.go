// Command lets-dance is a Spring '83 server and the tooling around it:
// generating conforming keys, publishing a signed board by hand, seeding a
// store with development fixtures, and running the HTTP server itself.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/lets-dance/spring83/internal/s83client"
	"github.com/lets-dance/spring83/internal/s83config"
	"github.com/lets-dance/spring83/internal/s83denylist"
	"github.com/lets-dance/spring83/internal/s83gossip"
	"github.com/lets-dance/spring83/internal/s83key"
	"github.com/lets-dance/spring83/internal/s83keygen"
	"github.com/lets-dance/spring83/internal/s83peer"
	"github.com/lets-dance/spring83/internal/s83scheduler"
	"github.com/lets-dance/spring83/internal/s83server"
	"github.com/lets-dance/spring83/internal/s83store"
	"github.com/lets-dance/spring83/internal/s83store/s83gcpstore"
	"github.com/lets-dance/spring83/internal/s83store/s83memstore"
	"github.com/lets-dance/spring83/internal/s83store/s83sqlstore"
)

// defaultPort is twice the protocol's maximum content size, a carried-over
// detail from the server this one is patterned on.
const defaultPort = 4434 // 2217 * 2

// schedulerTick is how often the gossip scheduler wakes up to check for due
// jobs. A second is frequent enough that 300-second debounce windows and
// multi-day backoffs both resolve promptly without busy-waiting.
const schedulerTick = time.Second

// expireInterval is how often the expire_old_boards job sweeps the store for
// content past its TTL, per the protocol's recurring-hourly job family.
const expireInterval = time.Hour

func main() {
	ctx := context.Background()
	time.Local = time.UTC

	rootCmd := &cobra.Command{
		Use:   "lets-dance",
		Short: "Spring '83 server and tools",
		Long: strings.TrimSpace(`
Server and tooling for Spring '83, a small-scale, federated social platform
built around signed, expiring HTML boards.

Running with no arguments starts the server.
		`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
lets-dance serve

# generate a new conforming keypair
lets-dance keygen

# publish a board by hand
lets-dance publish --public-key KEY --private-key KEY --server-url URL --content-file board.html
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(ctx); err != nil {
				abortErr(err)
			}
		},
	}

	rootCmd.AddCommand(keygenCmd(ctx), publishCmd(ctx), seedCmd(ctx), serveCmd(ctx))

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func keygenCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a conforming Spring '83 keypair",
		Long: strings.TrimSpace(`
Boards are published under an Ed25519 keypair whose public half carries a
magic expiry suffix, which builds in a brute-force challenge factor meant to
curb abuse. This command searches for a conforming keypair in parallel
across every available core; depending on hardware, it can take anywhere
from a few minutes to half an hour.
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(ctx)
		},
	}
}

func runKeygen(ctx context.Context) error {
	logger := logrus.StandardLogger()
	start := time.Now()
	fmt.Println("Brute forcing a Spring '83 key (this could take a while)")

	keyPair, totalIterations, err := s83keygen.GenerateConformingKey(ctx, logger, start.Add(s83key.MaxLifetime))
	if err != nil {
		return err
	}

	fmt.Printf("Succeeded in %v with %d iterations\n", time.Since(start), totalIterations)
	fmt.Printf("Private key: %s\n", keyPair.PrivateKey)
	fmt.Printf("Public  key: %s\n", keyPair.PublicKey)

	return nil
}

func publishCmd(ctx context.Context) *cobra.Command {
	var publicKey, privateKey, serverURL, contentFile string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Sign and PUT a board to a server",
		Long: strings.TrimSpace(`
Reads content from a file, stamps a <time> tag onto it if one isn't already
present, signs it with the given keypair, and PUTs it to a server - useful
for publishing by hand without running a full client.
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(ctx, publicKey, privateKey, serverURL, contentFile)
		},
	}

	cmd.Flags().StringVar(&publicKey, "public-key", "", "public key to publish under (required)")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "private key to sign with (required)")
	cmd.Flags().StringVar(&serverURL, "server-url", "", "server to PUT the board to (required)")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "file containing the board's HTML content (required)")
	for _, name := range []string{"public-key", "private-key", "server-url", "content-file"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runPublish(ctx context.Context, publicKey, privateKey, serverURL, contentFile string) error {
	keyPair, err := s83key.ParseKeyPair(privateKey, publicKey)
	if err != nil {
		return xerrors.Errorf("error parsing keypair: %w", err)
	}

	content, err := os.ReadFile(contentFile)
	if err != nil {
		return xerrors.Errorf("error reading content file: %w", err)
	}

	now := time.Now().UTC()
	board := &s83store.Board{
		Content:   content,
		Timestamp: now,
	}
	board.Signature = keyPair.SignHex(board.Content)

	resp, err := s83client.New(serverURL).PutBoard(ctx, publicKey, board)
	if err != nil {
		return xerrors.Errorf("error publishing board: %w", err)
	}
	defer resp.Body.Close()

	fmt.Printf("Published %s: %s\n", publicKey, resp.Status)

	return nil
}

func seedCmd(ctx context.Context) *cobra.Command {
	var count int
	var storeBackend, sqlDriver, sqlDataSource, gcpCredentialsJSON, gcpStorageBucket string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a store with random development boards",
		Long: strings.TrimSpace(`
Generates count random keypairs and boards and writes them straight into a
store, bypassing the key-suffix validation a real PUT enforces - the point
is a quick, disposable data set for local development, not a realistic one.
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(ctx, count, storeBackend, sqlDriver, sqlDataSource, gcpCredentialsJSON, gcpStorageBucket)
		},
	}

	cmd.Flags().IntVar(&count, "count", 20, "number of boards to generate")
	cmd.Flags().StringVar(&storeBackend, "store-backend", "memory", "store backend to seed (memory|gcp|sql)")
	cmd.Flags().StringVar(&sqlDriver, "sql-driver", "", "SQL driver, when --store-backend=sql")
	cmd.Flags().StringVar(&sqlDataSource, "sql-data-source", "", "SQL data source, when --store-backend=sql")
	cmd.Flags().StringVar(&gcpCredentialsJSON, "gcp-credentials-json", "", "GCP credentials, when --store-backend=gcp")
	cmd.Flags().StringVar(&gcpStorageBucket, "gcp-storage-bucket", "", "GCS bucket, when --store-backend=gcp")

	return cmd
}

func runSeed(ctx context.Context, count int, storeBackend, sqlDriver, sqlDataSource, gcpCredentialsJSON, gcpStorageBucket string) error {
	logger := logrus.StandardLogger()

	store, err := newStore(ctx, logger, storeBackend, sqlDriver, sqlDataSource, gcpCredentialsJSON, gcpStorageBucket)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for i := 0; i < count; i++ {
		publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return xerrors.Errorf("error generating seed keypair: %w", err)
		}

		keyPair := s83key.KeyPairFromRaw(privateKey)
		content := []byte(fmt.Sprintf(
			`<time datetime="%s"></time><p>seed board %d</p>`,
			now.Add(-time.Duration(i)*time.Minute).Format("2006-01-02T15:04:05Z"), i,
		))

		board := &s83store.Board{
			Content:   content,
			Signature: keyPair.SignHex(content),
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		}

		key := s83key.KeyFromRaw(publicKey)
		if err := store.Put(ctx, key.PublicKey, board); err != nil {
			return xerrors.Errorf("error seeding board: %w", err)
		}
	}

	fmt.Printf("Seeded %d boards into a %s store\n", count, storeBackend)

	return nil
}

func serveCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Spring '83 server",
		Long: strings.TrimSpace(fmt.Sprintf(`
Starts a Spring '83 server, binding to $PORT or defaulting to %d, accepting
and serving boards according to the protocol.
		`, defaultPort)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	config, err := s83config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	logger := logrus.StandardLogger()
	if config.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	store, err := newStore(ctx, logger, config.StoreBackend, config.SQLDriver, config.SQLDataSource, config.GCPCredentialsJSON, config.GCPStorageBucket)
	if err != nil {
		return err
	}

	logger.Infof("activating store: %s", reflect.TypeOf(store).Elem().Name())

	shutdown := make(chan struct{})
	go store.ReapLoop(ctx, shutdown)
	defer close(shutdown)

	denyList := s83denylist.NewMemoryDenyList()

	scheduler := s83scheduler.New(logger, schedulerTick)
	scheduler.Start()
	defer scheduler.Stop()
	peers := func() []s83peer.Peer { return s83peer.FromURLs(config.Peers) }
	gossip := s83gossip.New(logger, scheduler, store, peers)

	scheduler.Interval("expire_old_boards", expireInterval, func(ctx context.Context) error {
		now := time.Now().UTC()
		numExpired, err := store.Expire(ctx, now.Add(-s83store.MaxContentAge))
		if err != nil {
			return xerrors.Errorf("error expiring boards: %w", err)
		}
		logger.WithField("num_expired", numExpired).Info("expired old boards")
		return nil
	})

	port := config.Port
	if port == 0 {
		port = defaultPort
	}

	server := s83server.NewServer(logger, store, denyList, gossip, port)

	return server.Start(ctx)
}

func newStore(ctx context.Context, logger logrus.FieldLogger, backend, sqlDriver, sqlDataSource, gcpCredentialsJSON, gcpStorageBucket string) (s83store.BoardStore, error) {
	switch backend {
	case "gcp":
		return s83gcpstore.NewGCPStorageStore(ctx, logger, gcpCredentialsJSON, gcpStorageBucket)

	case "sql":
		return s83sqlstore.New(sqlDriver, sqlDataSource)

	case "memory", "":
		return s83memstore.NewMemoryStore(logger), nil

	default:
		return nil, xerrors.Errorf("unrecognized store backend: %q", backend)
	}
}
