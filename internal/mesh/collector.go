package mesh

import (
	"context"
	"errors"
	"fmt"

	"meshstat/internal/model"
	"meshstat/internal/wire"
)

// Collector is the aggregator-side ingestion of device batches. Accepted
// records are stored pending uplink and acknowledged to the sender.
type Collector struct {
	id        string
	store     Store
	verifier  Verifier
	transport Transport
	clock     Clock
	events    *EventBus
	logger    Logger
}

func NewCollector(id string, store Store, verifier Verifier, transport Transport,
	clock Clock, events *EventBus, logger Logger) *Collector {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Collector{
		id:        id,
		store:     store,
		verifier:  verifier,
		transport: transport,
		clock:     clock,
		events:    events,
		logger:    logger,
	}
}

// HandleRegister records a device's public key.
func (c *Collector) HandleRegister(ctx context.Context, from string, m *wire.DeviceRegister) error {
	if m.DeviceID == "" || len(m.PublicKey) == 0 {
		return fmt.Errorf("device register from %s: missing id or key", from)
	}
	err := c.store.RegisterDevice(ctx, &model.DeviceKey{
		DeviceID:     m.DeviceID,
		PublicKey:    m.PublicKey,
		DeviceInfo:   m.DeviceInfo,
		RegisteredAt: c.clock.Now(),
	})
	if errors.Is(err, ErrKeyConflict) {
		c.logger.Warn("device key conflict", "device", m.DeviceID, "peer", from)
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Debug("device registered", "device", m.DeviceID, "peer", from)
	return nil
}

// HandleBatch verifies, stores and acknowledges a batch of signed records.
// A record whose signature fails against its author's registered key is
// dropped and not acknowledged. Records from unregistered authors are
// accepted unverified. Duplicates are acknowledged.
func (c *Collector) HandleBatch(ctx context.Context, from string, recs []model.Record) error {
	keys := make(map[string][]byte)
	var accepted []string
	rejected := 0

	for _, rec := range recs {
		author := model.Author(rec)
		key, ok := keys[author]
		if !ok {
			dk, err := c.store.DeviceKey(ctx, author)
			if err != nil {
				return err
			}
			if dk != nil {
				key = dk.PublicKey
			}
			keys[author] = key
		}

		if key != nil && !c.verifier.Verify(rec, key) {
			rejected++
			c.logger.Warn("signature rejected", "record", rec.ID(), "device", author, "peer", from)
			continue
		}

		if _, err := c.store.Insert(ctx, rec); err != nil {
			return err
		}
		accepted = append(accepted, rec.ID())
	}

	if rejected > 0 {
		c.events.Publish(Event{Kind: EventRecordsRejected, At: c.clock.Now(), Peer: from, Records: rejected})
	}
	return c.ack(ctx, from, accepted)
}

// HandleTrack stores and acknowledges track metadata.
func (c *Collector) HandleTrack(ctx context.Context, from string, m *wire.TrackMeta) error {
	if m.Metadata == nil || m.Metadata.ContentID == "" {
		return fmt.Errorf("track metadata from %s: missing content id", from)
	}
	if _, err := c.store.Insert(ctx, m.Metadata); err != nil {
		return err
	}
	return c.ack(ctx, from, []string{m.Metadata.ContentID})
}

func (c *Collector) ack(ctx context.Context, to string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if c.transport == nil {
		return ErrNoTransport
	}
	data, err := wire.Marshal(&wire.SyncAck{Timestamp: c.clock.Now(), AggregatorID: c.id, RecordIDs: ids})
	if err != nil {
		return fmt.Errorf("encoding ack: %w", err)
	}
	if err := c.transport.SendTo(ctx, to, data); err != nil {
		return fmt.Errorf("sending ack to %s: %w", to, err)
	}
	return nil
}

// BatchRecords flattens a device batch message into records. ok is false
// for messages that are not device batches.
func BatchRecords(m wire.Message) (recs []model.Record, ok bool) {
	switch b := m.(type) {
	case *wire.PlaybackBatch:
		if b == nil {
			return nil, false
		}
		for _, r := range b.Records {
			recs = append(recs, r)
		}
	case *wire.SharingBatch:
		if b == nil {
			return nil, false
		}
		for _, r := range b.Records {
			recs = append(recs, r)
		}
	case *wire.TransferBatch:
		if b == nil {
			return nil, false
		}
		for _, r := range b.Records {
			recs = append(recs, r)
		}
	default:
		return nil, false
	}
	return recs, true
}
