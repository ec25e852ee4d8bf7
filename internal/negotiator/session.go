package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pagetrail/pagetrail-go/internal/bundle"
	"github.com/pagetrail/pagetrail-go/internal/protocol"
	"github.com/pagetrail/pagetrail-go/internal/relayclient"
)

// Session runs relayed-mode negotiation: it joins a room, offers to every
// member it finds there, and answers offers from members that join later.
// The joining peer always initiates, so two peers never race each other
// with simultaneous offers.
type Session struct {
	negotiator *Negotiator
	client     *relayclient.Client
	logger     *slog.Logger

	// shareSecret embeds the room secret in outgoing offers. Used only
	// when bootstrapping a brand-new room whose other device has no
	// secret yet.
	shareSecret bool
}

func NewSession(n *Negotiator, client *relayclient.Client, shareSecret bool, logger *slog.Logger) *Session {
	return &Session{
		negotiator:  n,
		client:      client,
		shareSecret: shareSecret,
		logger:      logger,
	}
}

// Run dispatches relay events until the relay connection dies or ctx is
// cancelled. A lost relay connection surfaces as an error; established
// peer channels keep running, only new negotiations stop.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-s.client.Events():
			if !ok {
				return errors.New("relay connection closed")
			}
			s.dispatch(ctx, event)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, event protocol.RelayMessage) {
	switch msg := event.(type) {
	case *protocol.RoomPeers:
		for _, peer := range msg.Peers {
			s.offerTo(ctx, peer.PeerID)
		}

	case *protocol.PeerJoined:
		// The joiner offers to us; nothing to initiate.
		s.logger.Info("peer joined room", "peer", msg.PeerID, "device", msg.DeviceInfo.DisplayName)

	case *protocol.Offer:
		answer, peer, err := s.negotiator.ProcessOffer(ctx, msg.Bundle, s.sendLateCandidateFunc(msg.From))
		if err != nil {
			s.logger.Error("processing offer failed", "from", msg.From, "error", err)
			return
		}
		if err := s.client.Send(protocol.NewAnswer(msg.From, answer)); err != nil {
			s.logger.Error("sending answer failed", "to", msg.From, "error", err)
			return
		}
		s.logger.Info("answered offer", "peer", peer.ID)

	case *protocol.Answer:
		peer, err := s.negotiator.CompleteConnection(ctx, msg.Bundle)
		if err != nil {
			s.logger.Error("completing connection failed", "from", msg.From, "error", err)
			return
		}
		s.logger.Info("connection established", "peer", peer.ID)

	case *protocol.ICECandidate:
		var candidate bundle.ICECandidate
		if err := json.Unmarshal(msg.Candidate, &candidate); err != nil {
			s.logger.Warn("malformed trickled candidate", "from", msg.From, "error", err)
			return
		}
		if err := s.negotiator.AddRemoteCandidate(msg.ConnectionID, candidate); err != nil {
			s.logger.Warn("routing trickled candidate failed", "error", err)
		}

	case *protocol.PeerLeft:
		// Leaving the room does not tear down an established channel; the
		// channel's own close handler does that.
		s.logger.Info("peer left room", "peer", msg.PeerID)

	case *protocol.ErrorReply:
		s.logger.Warn("relay error", "message", msg.Message)

	default:
		s.logger.Warn("unexpected relay event", "type", fmt.Sprintf("%T", event))
	}
}

func (s *Session) offerTo(ctx context.Context, target string) {
	encoded, connectionID, err := s.negotiator.CreateOffer(ctx, OfferOptions{
		IncludeSecret:   s.shareSecret,
		OnLateCandidate: s.sendLateCandidateFunc(target),
	})
	if err != nil {
		s.logger.Error("creating offer failed", "target", target, "error", err)
		return
	}
	if err := s.client.Send(protocol.NewOffer(target, encoded)); err != nil {
		s.logger.Error("sending offer failed", "target", target, "error", err)
		return
	}
	s.logger.Info("offer sent", "target", target, "connectionId", connectionID)
}

func (s *Session) sendLateCandidateFunc(target string) func(string, bundle.ICECandidate) {
	return func(connectionID string, candidate bundle.ICECandidate) {
		payload, err := json.Marshal(candidate)
		if err != nil {
			s.logger.Warn("encoding late candidate failed", "error", err)
			return
		}
		if err := s.client.Send(protocol.NewICECandidate(target, connectionID, payload)); err != nil {
			s.logger.Warn("sending late candidate failed", "target", target, "error", err)
		}
	}
}
