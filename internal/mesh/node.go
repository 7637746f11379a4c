package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"meshstat/internal/wire"
)

// Node roles.
const (
	RoleDevice     = "device"
	RoleAggregator = "aggregator"
)

// NodeComponents wires the parts a Node dispatches to. Components not used
// by a role may be nil.
type NodeComponents struct {
	Role      string
	Transport Transport
	Directory *Directory
	Engine    *SyncEngine
	Collector *Collector
	Gossip    *Gossip
	Beacon    *Beacon
	Uplink    *Uplink
	Retention *Retention

	DiscoveryInterval time.Duration
	UplinkInterval    time.Duration
	RetentionInterval time.Duration
}

var errTransportClosed = errors.New("transport closed")

// Node decodes inbound frames, dispatches them to the components of its
// role and runs their background loops.
type Node struct {
	c      NodeComponents
	logger Logger
}

func NewNode(c NodeComponents, logger Logger) *Node {
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.UplinkInterval <= 0 {
		c.UplinkInterval = 5 * time.Minute
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = 24 * time.Hour
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Node{c: c, logger: logger}
}

// Handle decodes one packet and dispatches it. Frames meant for another
// role are ignored.
func (n *Node) Handle(ctx context.Context, p Packet) error {
	msg, err := wire.Unmarshal(p.Data)
	if err != nil {
		return fmt.Errorf("decoding frame from %s: %w", p.From, err)
	}

	switch m := msg.(type) {
	case *wire.AggregatorBeacon:
		if n.c.Directory != nil {
			n.c.Directory.HandleBeacon(p.From, m)
		}
	case *wire.SyncAck:
		if n.c.Engine != nil {
			return n.c.Engine.HandleAck(ctx, m)
		}
	case *wire.DeviceRegister:
		if n.c.Collector != nil {
			return n.c.Collector.HandleRegister(ctx, p.From, m)
		}
	case *wire.PlaybackBatch, *wire.SharingBatch, *wire.TransferBatch:
		if n.c.Collector != nil {
			recs, ok := BatchRecords(m)
			if !ok {
				return fmt.Errorf("unreadable %s from %s", m.Type(), p.From)
			}
			return n.c.Collector.HandleBatch(ctx, p.From, recs)
		}
	case *wire.TrackMeta:
		if n.c.Collector != nil {
			return n.c.Collector.HandleTrack(ctx, p.From, m)
		}
	case *wire.Announcement:
		if n.c.Gossip != nil {
			return n.c.Gossip.HandleAnnouncement(ctx, p.From, m)
		}
	case *wire.DataRequest:
		if n.c.Gossip != nil {
			return n.c.Gossip.HandleRequest(ctx, p.From, m)
		}
	case *wire.DataBundle:
		if n.c.Gossip != nil {
			return n.c.Gossip.HandleBundle(ctx, p.From, m)
		}
	}
	return nil
}

// Run processes inbound frames and runs the role's periodic loops until
// ctx is cancelled or the transport closes.
func (n *Node) Run(ctx context.Context) error {
	if n.c.Transport == nil {
		return ErrNoTransport
	}
	n.logger.Info("node starting", "role", n.c.Role, "addr", n.c.Transport.LocalAddr())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.receive(ctx) })

	g.Go(func() error {
		return every(ctx, n.c.DiscoveryInterval, n.logger, "discovery", n.discover)
	})

	if n.c.Engine != nil {
		g.Go(func() error { return n.c.Engine.Run(ctx) })
	}
	if n.c.Gossip != nil {
		g.Go(func() error {
			return every(ctx, n.c.Gossip.Interval(), n.logger, "gossip announce", n.c.Gossip.Announce)
		})
	}
	if n.c.Uplink != nil {
		g.Go(func() error {
			return every(ctx, n.c.UplinkInterval, n.logger, "uplink", func(ctx context.Context) error {
				_, err := n.c.Uplink.Flush(ctx)
				return err
			})
		})
	}
	if n.c.Retention != nil {
		g.Go(func() error {
			return every(ctx, n.c.RetentionInterval, n.logger, "retention", func(ctx context.Context) error {
				_, err := n.c.Retention.Prune(ctx)
				return err
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, errTransportClosed) {
		err = nil
	}
	n.logger.Info("node stopped", "role", n.c.Role)
	return err
}

func (n *Node) receive(ctx context.Context) error {
	in := n.c.Transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-in:
			if !ok {
				return errTransportClosed
			}
			if err := n.Handle(ctx, p); err != nil {
				n.logger.Warn("dropping frame", "from", p.From, "error", err)
			}
		}
	}
}

func (n *Node) discover(ctx context.Context) error {
	if n.c.Directory != nil {
		n.c.Directory.Sweep()
	}
	if n.c.Beacon != nil {
		return n.c.Beacon.Broadcast(ctx)
	}
	return nil
}

// every runs fn immediately and then on each tick. Errors are logged and
// the loop continues.
func every(ctx context.Context, interval time.Duration, logger Logger, name string, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Warn(name+" failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
