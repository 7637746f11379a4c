package transport

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"meshstat/internal/mesh"
)

// MaxFrameSize caps a single inbound frame.
const MaxFrameSize = 4 << 20

const (
	DefaultProtocolID = "/meshstat/1.0.0"
	mdnsServiceName   = "meshstat"
	dialTimeout       = 10 * time.Second
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Libp2pOptions configures a Libp2pTransport.
type Libp2pOptions struct {
	// Key is the node's ed25519 key. It doubles as the libp2p peer identity,
	// so a device keeps its address across restarts.
	Key            ed25519.PrivateKey
	ListenAddrs    []string
	BootstrapPeers []string
	ProtocolID     string
	MDNS           bool
	Logger         mesh.Logger
}

// Libp2pTransport carries frames over libp2p streams, one frame per stream.
// Peers are identified by their libp2p peer ID string.
type Libp2pTransport struct {
	host   host.Host
	proto  protocol.ID
	mdns   mdns.Service
	logger mesh.Logger

	mu     sync.RWMutex
	closed bool
	inbox  chan mesh.Packet
}

// NewLibp2pTransport starts a libp2p host, registers the frame protocol and
// connects to the configured bootstrap peers.
func NewLibp2pTransport(ctx context.Context, opts Libp2pOptions) (*Libp2pTransport, error) {
	if opts.ProtocolID == "" {
		opts.ProtocolID = DefaultProtocolID
	}
	if opts.Logger == nil {
		opts.Logger = mesh.NewNopLogger()
	}

	hostOpts := []libp2p.Option{}
	if len(opts.Key) > 0 {
		priv, err := crypto.UnmarshalEd25519PrivateKey(opts.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load host key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(priv))
	}
	if len(opts.ListenAddrs) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(opts.ListenAddrs...))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}

	t := &Libp2pTransport{
		host:   h,
		proto:  protocol.ID(opts.ProtocolID),
		logger: opts.Logger,
		inbox:  make(chan mesh.Packet, inboxSize),
	}
	h.SetStreamHandler(t.proto, t.handleStream)

	for _, addr := range opts.BootstrapPeers {
		if err := t.connectAddr(ctx, addr); err != nil {
			t.logger.Warn("bootstrap peer unreachable", "addr", addr, "error", err)
		}
	}

	if opts.MDNS {
		t.mdns = mdns.NewMdnsService(h, mdnsServiceName, t)
		if err := t.mdns.Start(); err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to start mdns: %w", err)
		}
	}

	t.logger.Info("libp2p transport started", "peer_id", h.ID().String(), "addrs", fmt.Sprint(h.Addrs()))
	return t, nil
}

// Addrs returns the full dialable multiaddrs of this host, including the
// /p2p/ component.
func (t *Libp2pTransport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

// Connect dials a peer given its full multiaddr.
func (t *Libp2pTransport) Connect(ctx context.Context, addr string) error {
	return t.connectAddr(ctx, addr)
}

func (t *Libp2pTransport) connectAddr(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	return t.connect(ctx, *info)
}

func (t *Libp2pTransport) connect(ctx context.Context, info peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return t.host.Connect(ctx, info)
}

// HandlePeerFound is called by mDNS for every peer discovered on the LAN.
func (t *Libp2pTransport) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == t.host.ID() {
		return
	}
	if err := t.connect(context.Background(), info); err != nil {
		t.logger.Debug("mdns peer unreachable", "peer", info.ID.String(), "error", err)
		return
	}
	t.logger.Debug("mdns peer connected", "peer", info.ID.String())
}

func (t *Libp2pTransport) LocalAddr() string { return t.host.ID().String() }

func (t *Libp2pTransport) Broadcast(ctx context.Context, data []byte) error {
	var errs []error
	for _, p := range t.host.Network().Peers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.send(ctx, p, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	if len(errs) > 0 {
		t.logger.Debug("broadcast partially failed", "failed", len(errs), "error", errors.Join(errs...))
	}
	return nil
}

func (t *Libp2pTransport) SendTo(ctx context.Context, to string, data []byte) error {
	id, err := peer.Decode(to)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", to, err)
	}
	return t.send(ctx, id, data)
}

func (t *Libp2pTransport) send(ctx context.Context, id peer.ID, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	s, err := t.host.NewStream(ctx, id, t.proto)
	if err != nil {
		return err
	}
	if err := writeFrame(s, data); err != nil {
		s.Reset()
		return err
	}
	return s.Close()
}

func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()

	from := s.Conn().RemotePeer().String()
	data, err := readFrame(bufio.NewReader(s))
	if err != nil {
		t.logger.Debug("dropping inbound frame", "peer", from, "error", err)
		s.Reset()
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.inbox <- mesh.Packet{From: from, Data: data}:
	default:
		t.logger.Warn("inbox full, dropping frame", "peer", from)
	}
}

func (t *Libp2pTransport) Receive() <-chan mesh.Packet { return t.inbox }

func (t *Libp2pTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.inbox)
	t.mu.Unlock()

	t.host.RemoveStreamHandler(t.proto)
	var errs []error
	if t.mdns != nil {
		errs = append(errs, t.mdns.Close())
	}
	errs = append(errs, t.host.Close())
	return errors.Join(errs...)
}

// writeFrame writes data with a big-endian u32 length prefix.
func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

var _ mesh.Transport = (*Libp2pTransport)(nil)
