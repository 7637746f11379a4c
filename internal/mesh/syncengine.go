package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"meshstat/internal/model"
	"meshstat/internal/wire"
)

// SyncOptions tunes the SyncEngine.
type SyncOptions struct {
	Interval       time.Duration
	BatchSize      int
	BatchDelay     time.Duration
	PendingTrigger int
	// MarkOnSend marks records synced once sent instead of on SyncAck.
	MarkOnSend bool
	// DeviceInfo is a free-form description sent with DeviceRegister.
	DeviceInfo string
}

// DefaultSyncOptions returns the standard device sync settings.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		Interval:       30 * time.Second,
		BatchSize:      50,
		BatchDelay:     100 * time.Millisecond,
		PendingTrigger: 50,
	}
}

// syncOrder sends metadata first so aggregators can resolve the content
// referenced by the records that follow.
var syncOrder = []model.Kind{model.KindTrack, model.KindPlayback, model.KindSharing, model.KindTransfer}

// broadcastTarget keys the registration state for broadcast sends.
const broadcastTarget = "*"

// SyncEngine pushes pending records from a device toward aggregators.
// At most one job runs at a time; a new trigger cancels the running job.
type SyncEngine struct {
	store     Store
	transport Transport
	directory *Directory
	signer    Signer
	clock     Clock
	idgen     IDGenerator
	events    *EventBus
	logger    Logger
	opts      SyncOptions
	limiter   *rate.Limiter
	trigger   chan struct{}

	mu         sync.Mutex
	state      SyncState
	registered map[string]bool
	above      map[model.Kind]bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSyncEngine creates a SyncEngine. directory may be nil, in which case
// every job broadcasts.
func NewSyncEngine(store Store, transport Transport, directory *Directory, signer Signer,
	clock Clock, idgen IDGenerator, events *EventBus, logger Logger, opts SyncOptions) *SyncEngine {
	defaults := DefaultSyncOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.PendingTrigger <= 0 {
		opts.PendingTrigger = defaults.PendingTrigger
	}
	limit := rate.Inf
	if opts.BatchDelay > 0 {
		limit = rate.Every(opts.BatchDelay)
	}
	if logger == nil {
		logger = NewNopLogger()
	}

	return &SyncEngine{
		store:      store,
		transport:  transport,
		directory:  directory,
		signer:     signer,
		clock:      clock,
		idgen:      idgen,
		events:     events,
		logger:     logger,
		opts:       opts,
		limiter:    rate.NewLimiter(limit, 1),
		trigger:    make(chan struct{}, 1),
		registered: make(map[string]bool),
		above:      make(map[model.Kind]bool),
	}
}

// State returns the current engine state.
func (e *SyncEngine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Trigger asks Run to start a job as soon as possible. It never blocks.
func (e *SyncEngine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// CheckThreshold triggers a job when the pending count of any kind rises to
// the threshold. A kind that stays at or above it does not trigger again
// until it has been seen below it.
func (e *SyncEngine) CheckThreshold(ctx context.Context) error {
	pending, err := e.store.PendingCounts(ctx)
	if err != nil {
		return fmt.Errorf("counting pending records: %w", err)
	}

	var crossed []model.Kind
	e.mu.Lock()
	for _, k := range model.Kinds {
		over := pending.Get(k) >= int64(e.opts.PendingTrigger)
		if over && !e.above[k] {
			crossed = append(crossed, k)
		}
		e.above[k] = over
	}
	e.mu.Unlock()

	if len(crossed) > 0 {
		e.logger.Debug("pending threshold reached", "kinds", crossed, "pending", pending.Total())
		e.Trigger()
	}
	return nil
}

// Run starts a job on every interval tick and on every Trigger until ctx
// is cancelled.
func (e *SyncEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	defer e.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.start(ctx)
		case <-e.trigger:
			e.start(ctx)
		}
	}
}

// start cancels any running job and launches a new one after it exits.
func (e *SyncEngine) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	prev := e.done
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		if err := e.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("sync job failed", "error", err)
		}
	}()
}

// Stop cancels the running job, if any, and waits for it to exit.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// SyncNow runs one job synchronously: pick a target, register with it if
// needed and send every pending record in ascending timestamp order.
func (e *SyncEngine) SyncNow(ctx context.Context) error {
	e.setState(StateDiscovering, "", Progress{}, nil)

	sent, peer, err := e.run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		e.logger.Debug("sync job cancelled", "peer", peer, "sent", sent)
		e.setState(StateIdle, "", Progress{}, nil)
		return err
	case err != nil:
		e.setState(StateError, peer, Progress{Sent: sent}, err)
		e.setState(StateIdle, "", Progress{}, nil)
		return err
	}

	e.logger.Info("sync job complete", "peer", peer, "sent", sent)
	e.setState(StateSuccess, peer, Progress{Sent: sent, Total: sent}, nil)
	e.setState(StateIdle, "", Progress{}, nil)
	return nil
}

func (e *SyncEngine) run(ctx context.Context) (int, string, error) {
	deviceID, err := e.signer.DeviceID()
	if err != nil {
		return 0, "", fmt.Errorf("reading device id: %w", err)
	}

	peer, target := "", broadcastTarget
	if e.directory != nil {
		if agg, ok := e.directory.Select(); ok {
			peer, target = agg.Peer, agg.AggregatorID
		}
	}

	pending, err := e.store.PendingCounts(ctx)
	if err != nil {
		return 0, peer, fmt.Errorf("counting pending records: %w", err)
	}
	total := int(pending.Total())
	if total == 0 {
		return 0, peer, nil
	}

	if err := e.register(ctx, deviceID, peer, target); err != nil {
		return 0, peer, err
	}

	progress := Progress{Total: total}
	e.setState(StateSyncing, peer, progress, nil)

	for _, kind := range syncOrder {
		cursor := model.Cursor{}
		for {
			recs, err := e.store.Pending(ctx, kind, cursor, e.opts.BatchSize)
			if err != nil {
				return progress.Sent, peer, fmt.Errorf("reading pending %s: %w", kind, err)
			}
			if len(recs) == 0 {
				break
			}
			if err := e.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return progress.Sent, peer, ctx.Err()
				}
				return progress.Sent, peer, err
			}
			if err := e.sendBatch(ctx, peer, deviceID, kind, recs); err != nil {
				return progress.Sent, peer, err
			}
			if e.opts.MarkOnSend {
				if _, err := e.store.MarkSynced(ctx, kind, recordIDs(recs), e.clock.Now()); err != nil {
					return progress.Sent, peer, fmt.Errorf("marking %s synced: %w", kind, err)
				}
			}

			progress.Sent += len(recs)
			e.setState(StateSyncing, peer, progress, nil)

			if len(recs) < e.opts.BatchSize {
				break
			}
			cursor = model.After(recs[len(recs)-1])
		}
	}
	return progress.Sent, peer, nil
}

// register announces the device key to target on every job until target
// has acknowledged a batch. Broadcast jobs always register.
func (e *SyncEngine) register(ctx context.Context, deviceID, peer, target string) error {
	e.mu.Lock()
	done := e.registered[target]
	e.mu.Unlock()
	if done {
		return nil
	}

	pub, err := e.signer.PublicKey()
	if err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	msg := &wire.DeviceRegister{
		Timestamp:  e.clock.Now(),
		DeviceID:   deviceID,
		DeviceInfo: e.opts.DeviceInfo,
		PublicKey:  pub,
	}
	if err := e.send(ctx, peer, msg); err != nil {
		return fmt.Errorf("registering with %s: %w", target, err)
	}
	return nil
}

func (e *SyncEngine) sendBatch(ctx context.Context, peer, deviceID string, kind model.Kind, recs []model.Record) error {
	now := e.clock.Now()
	batchID := e.idgen.New()

	var msgs []wire.Message
	switch kind {
	case model.KindPlayback:
		m := &wire.PlaybackBatch{Timestamp: now, BatchID: batchID, DeviceID: deviceID}
		for _, r := range recs {
			m.Records = append(m.Records, r.(*model.PlaybackRecord))
		}
		msgs = append(msgs, m)
	case model.KindSharing:
		m := &wire.SharingBatch{Timestamp: now, BatchID: batchID, DeviceID: deviceID}
		for _, r := range recs {
			m.Records = append(m.Records, r.(*model.SharingRecord))
		}
		msgs = append(msgs, m)
	case model.KindTransfer:
		m := &wire.TransferBatch{Timestamp: now, BatchID: batchID, DeviceID: deviceID}
		for _, r := range recs {
			m.Records = append(m.Records, r.(*model.TransferRecord))
		}
		msgs = append(msgs, m)
	case model.KindTrack:
		for _, r := range recs {
			msgs = append(msgs, &wire.TrackMeta{Timestamp: now, Metadata: r.(*model.TrackMetadata)})
		}
	default:
		return fmt.Errorf("unknown record kind %d", kind)
	}

	for _, m := range msgs {
		if err := e.send(ctx, peer, m); err != nil {
			return fmt.Errorf("sending %s batch %s: %w", kind, batchID, err)
		}
	}
	e.logger.Debug("batch sent", "kind", kind, "batch", batchID, "records", len(recs), "peer", peer)
	return nil
}

// send unicasts to peer, or broadcasts when peer is empty.
func (e *SyncEngine) send(ctx context.Context, peer string, m wire.Message) error {
	if e.transport == nil {
		return ErrNoTransport
	}
	data, err := wire.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", m.Type(), err)
	}
	if peer == "" {
		return e.transport.Broadcast(ctx, data)
	}
	return e.transport.SendTo(ctx, peer, data)
}

// HandleAck marks the acknowledged records synced. Registration goes out ahead
// of every batch, so an ack also ends re-registration with that aggregator.
func (e *SyncEngine) HandleAck(ctx context.Context, ack *wire.SyncAck) error {
	if ack.AggregatorID != "" {
		e.mu.Lock()
		e.registered[ack.AggregatorID] = true
		e.mu.Unlock()
	}
	if len(ack.RecordIDs) == 0 {
		return nil
	}
	now := e.clock.Now()
	var total int64
	for _, kind := range model.Kinds {
		n, err := e.store.MarkSynced(ctx, kind, ack.RecordIDs, now)
		if err != nil {
			return fmt.Errorf("marking %s synced: %w", kind, err)
		}
		total += n
	}
	e.logger.Debug("ack received", "aggregator", ack.AggregatorID, "ids", len(ack.RecordIDs), "marked", total)
	return nil
}

func (e *SyncEngine) setState(s SyncState, peer string, p Progress, err error) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.events.Publish(Event{Kind: EventSyncState, At: e.clock.Now(), State: s, Peer: peer, Progress: p, Err: err})
}

func recordIDs(recs []model.Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID()
	}
	return ids
}
