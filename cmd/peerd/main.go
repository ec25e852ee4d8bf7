// Command peerd is the headless sync peer: it joins a room through the
// signaling relay (or exchanges bundles manually), establishes direct data
// channels to the other devices, and keeps browsing history converged with
// them.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/pagetrail/pagetrail-go/config"
	"github.com/pagetrail/pagetrail-go/internal/history"
	"github.com/pagetrail/pagetrail-go/internal/negotiator"
	"github.com/pagetrail/pagetrail-go/internal/protocol"
	"github.com/pagetrail/pagetrail-go/internal/redis"
	"github.com/pagetrail/pagetrail-go/internal/registry"
	"github.com/pagetrail/pagetrail-go/internal/relayclient"
	"github.com/pagetrail/pagetrail-go/internal/syncengine"
)

func main() {
	var (
		mode        = pflag.String("mode", "relay", "connection mode: relay, offer, or answer")
		shareSecret = pflag.Bool("share-secret", false, "embed the room secret in the first offer (fresh-room bootstrap)")
	)
	pflag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	secret := cfg.Peer.RoomSecret
	if secret == "" && *mode == "relay" {
		log.Fatal("ROOM_SECRET is required in relay mode")
	}

	roomID := protocol.DeriveRoomID(secret)
	deviceInfo := protocol.DeviceInfo{
		DeviceID:    uuid.New().String(),
		Platform:    cfg.Peer.Platform,
		DisplayName: cfg.Peer.DisplayName,
	}
	peerID := protocol.NewPeerID(roomID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize history store: %v", err)
	}
	defer cleanup()

	reg := registry.New()
	engine := syncengine.New(store, reg, deviceInfo, logger)
	reg.OnAdd(engine.Attach)

	neg := negotiator.New(negotiator.Config{
		LocalPeerID: peerID,
		DeviceInfo:  deviceInfo,
		Secret:      secret,
		Registry:    reg,
		STUNServers: cfg.Peer.STUNServers,
		Logger:      logger,
	})
	defer neg.Close()

	go neg.RunCleanup(ctx)

	switch *mode {
	case "relay":
		err = runRelayed(ctx, cfg, neg, roomID, peerID, deviceInfo, secret, *shareSecret, logger)
	case "offer":
		err = runManualOffer(ctx, neg, *shareSecret)
	case "answer":
		err = runManualAnswer(ctx, neg)
	default:
		log.Fatalf("Unknown mode %q", *mode)
	}
	if err != nil && err != context.Canceled {
		log.Fatalf("peerd: %v", err)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (history.Store, func(), error) {
	switch cfg.Peer.StoreBackend {
	case "redis":
		if err := redis.Connect(ctx, cfg.Redis); err != nil {
			return nil, nil, err
		}
		return history.NewRedisStore(redis.GetClient()), func() { redis.Close() }, nil
	default:
		return history.NewMemoryStore(), func() {}, nil
	}
}

func runRelayed(ctx context.Context, cfg *config.Config, neg *negotiator.Negotiator, roomID, peerID string, deviceInfo protocol.DeviceInfo, secret string, shareSecret bool, logger *slog.Logger) error {
	authKey := protocol.DeriveAuthKey(secret)
	client, err := relayclient.Dial(ctx, cfg.Peer.RelayURL, roomID, authKey, logger)
	if err != nil {
		return err
	}
	defer client.Leave()

	if err := client.Join(peerID, deviceInfo); err != nil {
		return err
	}
	logger.Info("joined room", "room", roomID, "peer", peerID)

	session := negotiator.NewSession(neg, client, shareSecret, logger)
	return session.Run(ctx)
}

// runManualOffer prints an offer bundle for out-of-band delivery (paste,
// QR code) and completes the connection from the pasted answer.
func runManualOffer(ctx context.Context, neg *negotiator.Negotiator, shareSecret bool) error {
	encoded, connectionID, err := neg.CreateOffer(ctx, negotiator.OfferOptions{IncludeSecret: shareSecret})
	if err != nil {
		return err
	}
	fmt.Println("Offer bundle (send to the other device):")
	fmt.Println(encoded)
	fmt.Println()
	fmt.Println("Paste the answer bundle:")

	answer, err := readBundleLine()
	if err != nil {
		return err
	}
	peer, err := neg.CompleteConnection(ctx, answer)
	if err != nil {
		return fmt.Errorf("completing connection %s: %w", connectionID, err)
	}
	fmt.Printf("Connected to %s (%s)\n", peer.ID, peer.DeviceInfo.DisplayName)

	<-ctx.Done()
	return ctx.Err()
}

// runManualAnswer consumes a pasted offer bundle and prints the answer.
func runManualAnswer(ctx context.Context, neg *negotiator.Negotiator) error {
	fmt.Println("Paste the offer bundle:")
	offer, err := readBundleLine()
	if err != nil {
		return err
	}

	answer, peer, err := neg.ProcessOffer(ctx, offer, nil)
	if err != nil {
		return err
	}
	fmt.Println("Answer bundle (send back to the offering device):")
	fmt.Println(answer)
	fmt.Printf("Waiting for %s to connect...\n", peer.ID)

	<-ctx.Done()
	return ctx.Err()
}

func readBundleLine() (string, error) {
	reader := bufio.NewReaderSize(os.Stdin, 1<<20)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading bundle: %w", err)
	}
	return strings.TrimSpace(line), nil
}
