package discovery

import (
	"context"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/config"
)

// Static announces a fixed list of peers once, in configuration order
type Static struct {
	peers  []domain.PeerDescriptor
	logger *zap.SugaredLogger
}

func NewStatic(peers []domain.PeerDescriptor, logger *zap.SugaredLogger) *Static {
	return &Static{peers: peers, logger: logger}
}

// FromConfig builds the source from the peers section. Entries without an
// id or address are skipped.
func FromConfig(cfg *config.Config, logger *zap.SugaredLogger) *Static {
	peers := make([]domain.PeerDescriptor, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		desc := domain.PeerDescriptor{ID: domain.PeerID(p.ID), Name: p.Name, Address: p.Address}
		if desc.Name == "" {
			desc.Name = p.ID
		}
		if err := desc.Validate(); err != nil {
			logger.Warnw("skipping static peer", "peer_id", p.ID, "error", err)
			continue
		}
		peers = append(peers, desc)
	}
	return NewStatic(peers, logger)
}

var _ ports.Discovery = (*Static)(nil)

// Peers emits every configured descriptor and closes the channel. It stops
// early when ctx is done.
func (s *Static) Peers(ctx context.Context) <-chan domain.PeerDescriptor {
	out := make(chan domain.PeerDescriptor)
	go func() {
		defer close(out)
		for _, p := range s.peers {
			select {
			case out <- p:
				s.logger.Debugw("static peer announced", "peer_id", p.ID, "address", p.Address)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
