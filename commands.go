package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"relaybox/mailbox"
	"relaybox/models"
	"relaybox/network"
	"relaybox/presence"
	"relaybox/storage"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Listen for peers, track presence and drain the mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, n)
		},
	}
}

func runNode(ctx context.Context, n *node) error {
	server, err := network.Listen(n.cfg.ListenAddress, network.ServerOptions{
		Identity:  n.identity,
		Directory: n.directory,
		Deliverer: n.inbox,
		Logger:    n.logger,
	})
	if err != nil {
		return err
	}
	defer server.Close()
	go func() {
		for err := range server.Errors() {
			n.logger.WithError(err).Warn("inbound session error")
		}
	}()

	address := server.Addr().String()
	if err := n.announceSelf(ctx, models.PeerOnline, address); err != nil {
		return fmt.Errorf("announce self: %w", err)
	}
	defer func() {
		if err := n.directory.SetStatus(context.Background(), n.cfg.PeerID, models.PeerOffline); err != nil {
			n.logger.WithError(err).Warn("mark self offline")
		}
	}()

	if n.cfg.Presence() {
		port := 0
		if tcpAddr, ok := server.Addr().(*net.TCPAddr); ok {
			port = tcpAddr.Port
		}
		service, err := presence.Start(presence.Config{
			SelfPeerID:     n.cfg.PeerID,
			DisplayName:    n.cfg.DisplayName,
			ListenPort:     port,
			KeyFingerprint: n.fingerprint(),
			Logger:         n.logger,
		}, n.directory)
		if err != nil {
			n.logger.WithError(err).Warn("presence startup failed")
		} else {
			defer service.Stop()
			go func() {
				for event := range service.Monitor.Events() {
					n.logger.WithField("peer_id", event.PeerID).WithField("address", event.Address).Info(string(event.Type))
				}
			}()
		}
	}

	n.logger.WithField("address", address).Info("relaybox running")
	err = mailbox.NewPoller(n.router, n.cfg.PeerID, n.cfg.PollInterval()).Run(ctx)
	n.logger.Info("relaybox shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Peer ID:         %s\n", n.cfg.PeerID)
			fmt.Fprintf(out, "Display Name:    %s\n", n.cfg.DisplayName)
			fmt.Fprintf(out, "Public Key:      %s\n", hex.EncodeToString(n.identity.PublicKey))
			fmt.Fprintf(out, "Fingerprint:     %s\n", n.fingerprint())
			fmt.Fprintf(out, "Listen Address:  %s\n", n.cfg.ListenAddress)
			fmt.Fprintf(out, "Config File:     %s\n", n.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", n.dataDir())
			fmt.Fprintf(out, "Database File:   %s\n", n.cfg.DatabaseFile)
			return nil
		},
	}
}

func newPeerCommand() *cobra.Command {
	peerCmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage known peers",
	}

	var name, address string
	add := &cobra.Command{
		Use:   "add <peer-id> <public-key-hex>",
		Short: "Add a peer or confirm its pinned key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			publicKey, err := hex.DecodeString(strings.TrimSpace(args[1]))
			if err != nil {
				return fmt.Errorf("decode public key: %w", err)
			}

			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			return n.directory.UpsertPeer(cmd.Context(), models.Peer{
				ID:        args[0],
				Name:      name,
				PublicKey: publicKey,
				Status:    models.PeerOffline,
				Address:   address,
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&address, "address", "", "host:port the peer listens on")

	list := &cobra.Command{
		Use:   "list",
		Short: "List known peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			known, err := n.directory.ListPeers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tADDRESS\tLAST SEEN")
			for _, peer := range known {
				lastSeen := "-"
				if peer.LastSeen > 0 {
					lastSeen = time.UnixMilli(peer.LastSeen).Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", peer.ID, peer.Name, peer.Status, peer.Address, lastSeen)
			}
			return w.Flush()
		},
	}

	status := &cobra.Command{
		Use:   "status <peer-id> <online|offline>",
		Short: "Set a peer's liveness by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			return n.directory.SetStatus(cmd.Context(), args[0], models.PeerStatus(args[1]))
		},
	}

	peerCmd.AddCommand(add, list, status)
	return peerCmd
}

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer-id> <text>",
		Short: "Send a message directly or through the mailbox",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			text := strings.Join(args[1:], " ")
			msg, err := n.router.SendMessage(cmd.Context(), n.cfg.PeerID, args[0], []byte(text))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", msg.ID, msg.State)
			return err
		},
	}
}

func newInboxCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Drain the mailbox once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			delivered, err := n.router.CheckOfflineMessages(cmd.Context(), n.cfg.PeerID)
			fmt.Fprintf(cmd.OutOrStdout(), "%d new message(s)\n", len(delivered))
			return err
		},
	}
}

func newGCCommand() *cobra.Command {
	var grace time.Duration
	gc := &cobra.Command{
		Use:   "gc",
		Short: "Delete blobs no mailbox envelope references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			removed, err := mailbox.CollectOrphans(cmd.Context(), n.store.Index(), n.blobs, grace, n.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned blob(s)\n", len(removed))
			return nil
		},
	}
	gc.Flags().DurationVar(&grace, "grace", mailbox.DefaultOrphanGrace, "keep blobs younger than this")
	return gc
}

func newFailuresCommand() *cobra.Command {
	var limit int
	var stage string
	failures := &cobra.Command{
		Use:   "failures",
		Short: "List envelopes that could not be delivered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer n.Close()

			records, err := n.store.GetDeliveryErrors(cmd.Context(), storage.DeliveryErrorFilter{
				RecipientID: n.cfg.PeerID,
				Stage:       stage,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tMESSAGE\tSTAGE\tREASON")
			for _, record := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					time.UnixMilli(record.Timestamp).Format(time.RFC3339), record.MessageID, record.Stage, record.Reason)
			}
			return w.Flush()
		},
	}
	failures.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	failures.Flags().StringVar(&stage, "stage", "", "only show this failure stage")
	return failures
}
