package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"relaybox/blobstore"
	"relaybox/config"
	"relaybox/crypto"
	"relaybox/mailbox"
	"relaybox/models"
	"relaybox/network"
	"relaybox/peers"
	"relaybox/storage"
)

// node is one local identity with its stores, directory, transport and router.
type node struct {
	cfg      *config.NodeConfig
	cfgPath  string
	logger   *logrus.Entry
	identity network.Identity

	store     *storage.Store
	blobs     *blobstore.Store
	directory *peers.Directory
	transport *network.Transport
	inbox     mailbox.Deliverer
	router    *mailbox.Router
}

func openNode(out io.Writer) (*node, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logrus.SetLevel(cfg.Level())
	logger := logrus.WithField("peer_id", cfg.PeerID)

	privateKey, err := crypto.EnsurePrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare identity key: %w", err)
	}
	identity := network.Identity{
		PeerID:     cfg.PeerID,
		PrivateKey: privateKey.Bytes(),
		PublicKey:  privateKey.PublicKey().Bytes(),
	}

	store, err := storage.OpenPath(cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetLogger(logger)

	blobs, err := blobstore.Open(cfg.BlobDir, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	directory := peers.NewDirectory(store, logger)
	transport, err := network.NewTransport(network.TransportOptions{
		Identity:  identity,
		Directory: directory,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	inbox := &mailbox.DedupDeliverer{
		Seen:   store,
		Next:   printingInbox{out: out},
		Logger: logger,
	}
	router, err := mailbox.NewRouter(mailbox.Options{
		Directory:   directory,
		Transport:   transport,
		Content:     blobs,
		Index:       store.Index(),
		Crypto:      crypto.HybridBox{},
		Keys:        mailbox.StaticKeys{cfg.PeerID: identity.PrivateKey},
		Deliverer:   inbox,
		Failures:    store,
		States:      store,
		SendTimeout: cfg.SendTimeout(),
		Logger:      logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &node{
		cfg:       cfg,
		cfgPath:   cfgPath,
		logger:    logger,
		identity:  identity,
		store:     store,
		blobs:     blobs,
		directory: directory,
		transport: transport,
		inbox:     inbox,
		router:    router,
	}, nil
}

func (n *node) Close() {
	if err := n.store.Close(); err != nil {
		n.logger.WithError(err).Warn("database close error")
	}
}

func (n *node) dataDir() string {
	return filepath.Dir(n.cfgPath)
}

func (n *node) fingerprint() string {
	return crypto.KeyFingerprint(n.identity.PublicKey)
}

// announceSelf records the local identity in the shared directory so other
// identities using the same mailbox store can encrypt to it.
func (n *node) announceSelf(ctx context.Context, status models.PeerStatus, address string) error {
	return n.directory.UpsertPeer(ctx, models.Peer{
		ID:        n.cfg.PeerID,
		Name:      n.cfg.DisplayName,
		PublicKey: n.identity.PublicKey,
		Status:    status,
		LastSeen:  time.Now().UnixMilli(),
		Address:   address,
	})
}

// printingInbox is the application layer of the CLI: it writes each
// delivered message to out.
type printingInbox struct {
	out io.Writer
}

func (p printingInbox) Deliver(_ context.Context, msg models.Message) error {
	_, err := fmt.Fprintf(p.out, "[%s] %s: %s\n",
		time.UnixMilli(msg.Timestamp).Format(time.RFC3339), msg.SenderID, msg.Plaintext)
	return err
}
