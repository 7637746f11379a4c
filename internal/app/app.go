package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"meshstat/internal/archive"
	"meshstat/internal/config"
	"meshstat/internal/content"
	"meshstat/internal/database"
	"meshstat/internal/identity"
	"meshstat/internal/mesh"
	"meshstat/internal/model"
	"meshstat/internal/transport"
)

// Options adjusts how a MeshApp is built.
type Options struct {
	// Passphrase supplies the key passphrase. Defaults to EnvOrPrompt on
	// the configured environment variable.
	Passphrase PassphraseFunc
	LogLevel   slog.Level
	// Hub is joined when the transport type is "memory".
	Hub *transport.MemoryHub
	// Clock and IDs default to the real clock and random UUIDs.
	Clock mesh.Clock
	IDs   mesh.IDGenerator
}

// MeshApp is the application layer between the CLI and the mesh components.
// It constructs all dependencies from config, exposes high-level operations
// and manages the store lifecycle on Close.
type MeshApp struct {
	cfg      *config.Config
	store    *database.SQLiteStore
	identity *identity.Identity
	clock    mesh.Clock
	idgen    mesh.IDGenerator
	events   *mesh.EventBus
	logger   mesh.Logger
	hub      *transport.MemoryHub
	op       *Operation
	logFile  *os.File

	mu     sync.Mutex
	engine *mesh.SyncEngine
}

// NewMeshApp creates a fully wired MeshApp from the given config.
// operation identifies the CLI command being run (e.g. "RunNode", "Stats").
// The caller must call Close when done.
func NewMeshApp(cfg *config.Config, operation string, opts Options) (*MeshApp, error) {
	if opts.Clock == nil {
		opts.Clock = mesh.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = mesh.UUIDGenerator{}
	}
	if opts.Passphrase == nil {
		opts.Passphrase = EnvOrPrompt(cfg.Encryption.PassphraseEnv)
	}

	store, err := database.NewStoreFromConfig(cfg.Database, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	op := NewOperation(operation, opts.Clock.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, opts.LogLevel)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	sealer := &lazySealer{cfg: cfg.Encryption, passphrase: opts.Passphrase}

	return &MeshApp{
		cfg:      cfg,
		store:    store,
		identity: identity.New(cfg.Identity.Dir, sealer, nil),
		clock:    opts.Clock,
		idgen:    opts.IDs,
		events:   mesh.NewEventBus(),
		logger:   &slogAdapter{l: logger},
		hub:      opts.Hub,
		op:       op,
		logFile:  logFile,
	}, nil
}

// Store returns the local record store.
func (a *MeshApp) Store() mesh.Store { return a.store }

// Events returns the bus state changes are published on.
func (a *MeshApp) Events() *mesh.EventBus { return a.events }

// IdentityInfo describes the local device identity.
type IdentityInfo struct {
	DeviceID  string
	PublicKey []byte
}

// InitIdentity derives the device ID and creates the signing key if they
// do not exist yet.
func (a *MeshApp) InitIdentity() (*IdentityInfo, error) {
	id, err := a.identity.DeviceID()
	if err != nil {
		return nil, a.fail(fmt.Errorf("deriving device id: %w", err))
	}
	kp, err := a.identity.KeyPair()
	if err != nil {
		return nil, a.fail(fmt.Errorf("loading signing key: %w", err))
	}
	return &IdentityInfo{DeviceID: id, PublicKey: kp.Public}, nil
}

// ErrNoIdentity is returned by ShowIdentity before InitIdentity has run.
var ErrNoIdentity = errors.New("device identity not initialized")

// ShowIdentity returns the existing identity without creating one.
func (a *MeshApp) ShowIdentity() (*IdentityInfo, error) {
	if !a.identity.IsConfigured() {
		return nil, a.fail(ErrNoIdentity)
	}
	return a.InitIdentity()
}

// Recorder returns a Recorder that signs with the device key. While
// RunNode is active, recorded events feed its pending threshold.
func (a *MeshApp) Recorder() *mesh.Recorder {
	a.mu.Lock()
	engine := a.engine
	a.mu.Unlock()
	return mesh.NewRecorder(a.store, a.identity, a.idgen, a.clock, engine, a.logger)
}

// Identify computes the ContentID of the audio file at src.Path. Title,
// artist, album and duration given in src take precedence over embedded
// tags. When record is true the track metadata is stored for sync; stored
// reports whether it was new.
func (a *MeshApp) Identify(ctx context.Context, src content.AudioSource, record bool) (res *content.Identification, stored bool, err error) {
	ident := content.NewIdentifier(nil, nil)

	res, err = ident.Inspect(ctx, src)
	if err != nil {
		return nil, false, a.fail(fmt.Errorf("identifying %s: %w", src.Path, err))
	}
	if !record {
		return res, false, nil
	}

	meta, err := ident.Describe(ctx, src, a.clock.Now())
	if err != nil {
		return nil, false, a.fail(err)
	}
	stored, err = a.Recorder().RecordTrack(ctx, meta)
	if err != nil {
		return nil, false, a.fail(fmt.Errorf("storing track metadata: %w", err))
	}
	return res, stored, nil
}

// Stats summarises the local store.
type Stats struct {
	Counts   model.Counts
	Pending  model.Counts
	Playback *model.PlaybackStats
	Top      []*model.ContentPlays
}

// Stats returns record counts, playback statistics and the top content.
func (a *MeshApp) Stats(ctx context.Context, top int) (*Stats, error) {
	var s Stats
	var err error
	if s.Counts, err = a.store.Counts(ctx); err != nil {
		return nil, a.fail(err)
	}
	if s.Pending, err = a.store.PendingCounts(ctx); err != nil {
		return nil, a.fail(err)
	}
	if s.Playback, err = a.store.PlaybackStats(ctx); err != nil {
		return nil, a.fail(err)
	}
	if s.Top, err = a.store.TopContent(ctx, top); err != nil {
		return nil, a.fail(err)
	}
	return &s, nil
}

// Pending returns the number of unsynced records of each kind.
func (a *MeshApp) Pending(ctx context.Context) (model.Counts, error) {
	c, err := a.store.PendingCounts(ctx)
	if err != nil {
		return model.Counts{}, a.fail(err)
	}
	return c, nil
}

// Prune deletes synced records older than the configured retention.
func (a *MeshApp) Prune(ctx context.Context) (model.Counts, error) {
	r := mesh.NewRetention(a.store, a.clock, a.logger, a.cfg.Retention.MaxAge.Duration)
	removed, err := r.Prune(ctx)
	if err != nil {
		return removed, a.fail(err)
	}
	return removed, nil
}

// Backup writes a consistent snapshot of the store to path.
func (a *MeshApp) Backup(path string) error {
	if err := a.store.BackupTo(path); err != nil {
		return a.fail(fmt.Errorf("backing up database: %w", err))
	}
	a.logger.Info("database backed up", "path", path)
	return nil
}

// RunNode joins the mesh in the configured role and runs until ctx is
// cancelled.
func (a *MeshApp) RunNode(ctx context.Context) error {
	tr, err := a.openTransport(ctx)
	if err != nil {
		return a.fail(err)
	}
	defer tr.Close()

	c, err := a.components(ctx, tr)
	if err != nil {
		return a.fail(err)
	}

	a.mu.Lock()
	a.engine = c.Engine
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.engine = nil
		a.mu.Unlock()
	}()

	stop := a.logEvents()
	defer stop()

	if err := mesh.NewNode(c, a.logger).Run(ctx); err != nil {
		return a.fail(err)
	}
	return nil
}

// Aggregators listens for beacons for the given duration and returns the
// live aggregators heard, most preferred first.
func (a *MeshApp) Aggregators(ctx context.Context, listen time.Duration) ([]model.AggregatorInfo, error) {
	tr, err := a.openTransport(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	defer tr.Close()

	dir := mesh.NewDirectory(a.clock, a.cfg.Discovery.StaleAfter.Duration, a.events, a.logger)
	node := mesh.NewNode(mesh.NodeComponents{
		Role:              config.RoleDevice,
		Transport:         tr,
		Directory:         dir,
		DiscoveryInterval: listen,
	}, a.logger)

	ctx, cancel := context.WithTimeout(ctx, listen)
	defer cancel()
	if err := node.Run(ctx); err != nil {
		return nil, a.fail(err)
	}
	return dir.Live(), nil
}

func (a *MeshApp) openTransport(ctx context.Context) (mesh.Transport, error) {
	kp, err := a.identity.KeyPair()
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	tr, err := transport.NewTransportFromConfig(ctx, a.cfg.Transport, kp.Private, a.hub, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	return tr, nil
}

// components builds the node components for the configured role.
func (a *MeshApp) components(ctx context.Context, tr mesh.Transport) (mesh.NodeComponents, error) {
	cfg := a.cfg
	id, err := a.identity.DeviceID()
	if err != nil {
		return mesh.NodeComponents{}, fmt.Errorf("deriving device id: %w", err)
	}

	c := mesh.NodeComponents{
		Role:              cfg.Role,
		Transport:         tr,
		Directory:         mesh.NewDirectory(a.clock, cfg.Discovery.StaleAfter.Duration, a.events, mesh.WithComponent(a.logger, "directory")),
		Retention:         mesh.NewRetention(a.store, a.clock, mesh.WithComponent(a.logger, "retention"), cfg.Retention.MaxAge.Duration),
		DiscoveryInterval: cfg.Discovery.Interval.Duration,
		UplinkInterval:    cfg.Uplink.Interval.Duration,
		RetentionInterval: cfg.Retention.Interval.Duration,
	}

	switch cfg.Role {
	case config.RoleDevice, "":
		c.Role = config.RoleDevice
		c.Engine = mesh.NewSyncEngine(a.store, tr, c.Directory, a.identity, a.clock, a.idgen, a.events, mesh.WithComponent(a.logger, "sync"),
			mesh.SyncOptions{
				Interval:       cfg.Sync.Interval.Duration,
				BatchSize:      cfg.Sync.BatchSize,
				BatchDelay:     cfg.Sync.BatchDelay.Duration,
				PendingTrigger: cfg.Sync.PendingTrigger,
				MarkOnSend:     cfg.Sync.MarkOnSend,
				DeviceInfo:     runtime.GOOS + "/" + runtime.GOARCH,
			})

	case config.RoleAggregator:
		arc, err := archive.NewArchiveFromConfig(ctx, cfg.Uplink.Archive)
		if err != nil {
			return mesh.NodeComponents{}, fmt.Errorf("creating archive: %w", err)
		}
		if err := arc.ValidateSetup(ctx); err != nil {
			a.logger.Warn("archive not reachable, uplink will retry", "error", err)
		}
		c.Uplink = mesh.NewUplink(id, a.store, arc, a.clock, a.idgen, a.events, mesh.WithComponent(a.logger, "uplink"), cfg.Uplink.MaxBatch)
		c.Beacon = mesh.NewBeacon(id, cfg.Discovery.Capacity, a.store, c.Uplink, tr, a.clock)
		c.Collector = mesh.NewCollector(id, a.store, identity.Verifier{}, tr, a.clock, a.events, mesh.WithComponent(a.logger, "collector"))
		c.Gossip = mesh.NewGossip(id, a.store, tr, a.clock, a.idgen, a.events, mesh.WithComponent(a.logger, "gossip"), mesh.GossipOptions{
			Interval:       cfg.Gossip.Interval.Duration,
			MaxPerKind:     cfg.Gossip.MaxPerKind,
			BloomCapacity:  cfg.Gossip.BloomCapacity,
			BloomFalseRate: cfg.Gossip.BloomFalseRate,
		})

	default:
		return mesh.NodeComponents{}, fmt.Errorf("unknown role: %q", cfg.Role)
	}
	return c, nil
}

// logEvents writes bus events to the log until the returned func is called.
func (a *MeshApp) logEvents() func() {
	events, unsubscribe := a.events.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			switch e.Kind {
			case mesh.EventSyncState:
				if e.State == mesh.StateError {
					a.logger.Warn("sync failed", "peer", e.Peer, "sent", e.Progress.Sent, "error", e.Err)
				} else {
					a.logger.Debug("sync state", "state", e.State, "peer", e.Peer, "sent", e.Progress.Sent, "total", e.Progress.Total)
				}
			case mesh.EventRecordsRejected:
				a.logger.Warn("records rejected", "peer", e.Peer, "records", e.Records)
			default:
				a.logger.Debug("mesh event", "kind", e.Kind, "peer", e.Peer, "records", e.Records)
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func (a *MeshApp) fail(err error) error {
	a.op.Fail()
	return err
}

// Close logs the operation outcome and closes all resources.
func (a *MeshApp) Close() error {
	var firstErr error

	a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status,
		"elapsed", a.op.Elapsed(a.clock.Now()).Truncate(time.Millisecond))

	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
