package mesh

import (
	"context"
	"fmt"

	"meshstat/internal/model"
)

// Recorder is the producer-facing entry point on a device: it stamps,
// signs and stores records, then lets the sync engine decide whether the
// pending threshold was reached.
type Recorder struct {
	store  Store
	signer Signer
	idgen  IDGenerator
	clock  Clock
	engine *SyncEngine
	logger Logger
}

// NewRecorder creates a Recorder. engine may be nil.
func NewRecorder(store Store, signer Signer, idgen IDGenerator, clock Clock, engine *SyncEngine, logger Logger) *Recorder {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Recorder{store: store, signer: signer, idgen: idgen, clock: clock, engine: engine, logger: logger}
}

// RecordPlayback stores a playback event. RecordID, DeviceID and Timestamp
// are filled in when empty; PlayPercentage is clamped to [0, 1].
func (r *Recorder) RecordPlayback(ctx context.Context, rec *model.PlaybackRecord) error {
	deviceID, err := r.signer.DeviceID()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	if rec.RecordID == "" {
		rec.RecordID = r.idgen.New()
	}
	if rec.DeviceID == "" {
		rec.DeviceID = deviceID
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock.Now()
	}
	rec.PlayPercentage = model.CapPercentage(rec.PlayPercentage)
	return r.signAndStore(ctx, rec)
}

// RecordSharing stores a share event.
func (r *Recorder) RecordSharing(ctx context.Context, rec *model.SharingRecord) error {
	deviceID, err := r.signer.DeviceID()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	if rec.RecordID == "" {
		rec.RecordID = r.idgen.New()
	}
	if rec.SharerDeviceID == "" {
		rec.SharerDeviceID = deviceID
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock.Now()
	}
	return r.signAndStore(ctx, rec)
}

// RecordTransfer stores a transfer event.
func (r *Recorder) RecordTransfer(ctx context.Context, rec *model.TransferRecord) error {
	deviceID, err := r.signer.DeviceID()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	if rec.RecordID == "" {
		rec.RecordID = r.idgen.New()
	}
	if rec.SourceDeviceID == "" {
		rec.SourceDeviceID = deviceID
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock.Now()
	}
	return r.signAndStore(ctx, rec)
}

// RecordTrack stores track metadata unless the content ID is already
// known. It reports whether the metadata was new.
func (r *Recorder) RecordTrack(ctx context.Context, meta *model.TrackMetadata) (bool, error) {
	if meta.ContentID == "" {
		return false, fmt.Errorf("track metadata without content id")
	}
	if meta.FirstSeen.IsZero() {
		meta.FirstSeen = r.clock.Now()
	}
	inserted, err := r.store.Insert(ctx, meta)
	if err != nil {
		return false, err
	}
	r.notify(ctx)
	return inserted, nil
}

func (r *Recorder) signAndStore(ctx context.Context, rec model.Record) error {
	if err := r.signer.Sign(rec); err != nil {
		return fmt.Errorf("signing %s record: %w", rec.Kind(), err)
	}
	if _, err := r.store.Insert(ctx, rec); err != nil {
		return err
	}
	r.notify(ctx)
	return nil
}

func (r *Recorder) notify(ctx context.Context) {
	if r.engine == nil {
		return
	}
	if err := r.engine.CheckThreshold(ctx); err != nil {
		r.logger.Warn("threshold check failed", "error", err)
	}
}
