package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"meshstat/internal/model"
	"meshstat/internal/wire"
)

// GossipOptions tunes aggregator gossip.
type GossipOptions struct {
	Interval time.Duration
	// MaxPerKind caps the records of each kind in one bundle.
	MaxPerKind int
	// BloomCapacity and BloomFalseRate size the filter of seen bundle IDs.
	BloomCapacity  uint
	BloomFalseRate float64
}

// DefaultGossipOptions returns the standard gossip settings.
func DefaultGossipOptions() GossipOptions {
	return GossipOptions{
		Interval:       time.Minute,
		MaxPerKind:     100,
		BloomCapacity:  10000,
		BloomFalseRate: 0.01,
	}
}

// Gossip exchanges records between aggregators: announce holdings,
// request from peers that hold more, answer requests with bundles and
// merge the bundles received.
type Gossip struct {
	id        string
	store     Store
	transport Transport
	clock     Clock
	idgen     IDGenerator
	events    *EventBus
	logger    Logger
	opts      GossipOptions

	mu   sync.Mutex
	seen *bloom.BloomFilter
}

func NewGossip(id string, store Store, transport Transport, clock Clock, idgen IDGenerator,
	events *EventBus, logger Logger, opts GossipOptions) *Gossip {
	defaults := DefaultGossipOptions()
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.MaxPerKind <= 0 {
		opts.MaxPerKind = defaults.MaxPerKind
	}
	if opts.BloomCapacity == 0 {
		opts.BloomCapacity = defaults.BloomCapacity
	}
	if opts.BloomFalseRate <= 0 || opts.BloomFalseRate >= 1 {
		opts.BloomFalseRate = defaults.BloomFalseRate
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Gossip{
		id:        id,
		store:     store,
		transport: transport,
		clock:     clock,
		idgen:     idgen,
		events:    events,
		logger:    logger,
		opts:      opts,
		seen:      bloom.NewWithEstimates(opts.BloomCapacity, opts.BloomFalseRate),
	}
}

// Interval returns how often Announce should run.
func (g *Gossip) Interval() time.Duration { return g.opts.Interval }

// Announce broadcasts the local per-kind record counts.
func (g *Gossip) Announce(ctx context.Context) error {
	counts, err := g.store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting records: %w", err)
	}
	return g.broadcast(ctx, &wire.Announcement{
		Timestamp:     g.clock.Now(),
		AggregatorID:  g.id,
		PlaybackCount: clampU32(counts.Playback),
		SharingCount:  clampU32(counts.Sharing),
		MetadataCount: clampU32(counts.Tracks),
		TransferCount: clampU32(counts.Transfers),
	})
}

// HandleAnnouncement requests data from a peer that holds strictly more
// records of some kind than we do.
func (g *Gossip) HandleAnnouncement(ctx context.Context, from string, a *wire.Announcement) error {
	if a.AggregatorID == g.id {
		return nil
	}
	local, err := g.store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting records: %w", err)
	}
	remote := a.Counts()

	behind := false
	for _, k := range model.Kinds {
		if remote.Get(k) > local.Get(k) {
			behind = true
			break
		}
	}
	if !behind {
		return nil
	}

	last, err := g.store.PeerSyncTime(ctx, a.AggregatorID)
	if err != nil {
		return err
	}
	req := &wire.DataRequest{Timestamp: g.clock.Now(), RequestID: g.idgen.New(), RequesterID: g.id}
	if !last.IsZero() {
		req.Since = &last
	}
	g.logger.Debug("requesting gossip data", "peer", a.AggregatorID, "since", last)
	return g.sendTo(ctx, from, req)
}

// HandleRequest answers with a bundle of up to MaxPerKind records of each
// kind stored after the request's since time.
func (g *Gossip) HandleRequest(ctx context.Context, from string, req *wire.DataRequest) error {
	if req.RequesterID == g.id {
		return nil
	}
	b, err := g.Bundle(ctx, req.Since)
	if err != nil {
		return err
	}
	g.logger.Debug("answering gossip request", "peer", req.RequesterID, "records", b.Len())
	return g.sendTo(ctx, from, &wire.DataBundle{Bundle: *b})
}

// Bundle builds a bundle of records stored after since (all records when
// since is nil). CreatedAt is the high-water mark the requester should
// resume from: the store time of the last record of the earliest truncated
// kind, otherwise the latest store time at the start of the read.
func (g *Gossip) Bundle(ctx context.Context, since *time.Time) (*model.Bundle, error) {
	var from time.Time
	if since != nil {
		from = *since
	}
	last, err := g.store.LastStored(ctx)
	if err != nil {
		return nil, err
	}
	// Later writes are stamped after both the latest stored row and the clock.
	mark := g.clock.Now().Add(-time.Millisecond)
	if last.After(mark) {
		mark = last
	}
	b := &model.Bundle{ID: g.idgen.New(), Source: g.id}

	for _, kind := range model.Kinds {
		recs, err := g.store.Since(ctx, kind, from, g.opts.MaxPerKind)
		if err != nil {
			return nil, fmt.Errorf("reading %s since %v: %w", kind, from, err)
		}
		if len(recs) == g.opts.MaxPerKind {
			if at := model.StateOf(recs[len(recs)-1]).StoredAt; at.Before(mark) {
				mark = at
			}
		}
		for _, r := range recs {
			switch v := r.(type) {
			case *model.PlaybackRecord:
				b.Playback = append(b.Playback, v)
			case *model.SharingRecord:
				b.Sharing = append(b.Sharing, v)
			case *model.TrackMetadata:
				b.Tracks = append(b.Tracks, v)
			case *model.TransferRecord:
				b.Transfers = append(b.Transfers, v)
			}
		}
	}
	b.CreatedAt = mark
	return b, nil
}

// HandleBundle merges a bundle from another aggregator. Bundles already
// seen are skipped without touching the store.
func (g *Gossip) HandleBundle(ctx context.Context, from string, m *wire.DataBundle) error {
	b := &m.Bundle
	if b.Source == g.id || b.Source == "" {
		return nil
	}

	g.mu.Lock()
	seen := b.ID != "" && g.seen.TestString(b.ID)
	g.mu.Unlock()
	if seen {
		g.logger.Debug("skipping seen bundle", "bundle", b.ID, "peer", b.Source)
		return nil
	}

	now := g.clock.Now()
	added, err := g.store.MergeBundle(ctx, b, now)
	if err != nil {
		return fmt.Errorf("merging bundle %s: %w", b.ID, err)
	}

	mark := b.CreatedAt
	if mark.IsZero() {
		mark = now
	}
	if err := g.store.SetPeerSyncTime(ctx, b.Source, mark); err != nil {
		return err
	}

	g.mu.Lock()
	if b.ID != "" {
		g.seen.AddString(b.ID)
	}
	g.mu.Unlock()

	g.logger.Info("gossip bundle merged", "bundle", b.ID, "peer", b.Source, "records", b.Len(), "new", added)
	g.events.Publish(Event{Kind: EventGossipMerged, At: now, Peer: b.Source, Records: added})
	return nil
}

func (g *Gossip) broadcast(ctx context.Context, m wire.Message) error {
	if g.transport == nil {
		return ErrNoTransport
	}
	data, err := wire.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", m.Type(), err)
	}
	return g.transport.Broadcast(ctx, data)
}

func (g *Gossip) sendTo(ctx context.Context, peer string, m wire.Message) error {
	if g.transport == nil {
		return ErrNoTransport
	}
	data, err := wire.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", m.Type(), err)
	}
	return g.transport.SendTo(ctx, peer, data)
}
