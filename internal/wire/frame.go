package wire

import "errors"

var errNilMetadata = errors.New("wire: TrackMeta without metadata")

// Marshal encodes m as a frame: a one-byte type tag followed by the body.
func Marshal(m Message) ([]byte, error) {
	w := NewWriter()
	w.U8(uint8(m.Type()))
	m.encode(w)
	return w.Bytes()
}

// Unmarshal decodes a frame produced by Marshal. Any inconsistency yields
// a *DecodeError; it never panics on hostile input.
func Unmarshal(data []byte) (Message, error) {
	r := NewReader(data)
	t := MessageType(r.U8())
	m := newMessage(t)
	if m == nil {
		if r.err == nil {
			r.Fail(ErrUnknownMessage)
		}
		return nil, r.Finish("frame")
	}
	m.decode(r)
	if err := r.Finish(t.String()); err != nil {
		return nil, err
	}
	return m, nil
}

func newMessage(t MessageType) Message {
	switch t {
	case TypePlaybackBatch:
		return &PlaybackBatch{}
	case TypeSharingBatch:
		return &SharingBatch{}
	case TypeTransferBatch:
		return &TransferBatch{}
	case TypeTrackMeta:
		return &TrackMeta{}
	case TypeDeviceRegister:
		return &DeviceRegister{}
	case TypeSyncAck:
		return &SyncAck{}
	case TypeAggregatorBeacon:
		return &AggregatorBeacon{}
	case TypeAnnouncement:
		return &Announcement{}
	case TypeDataRequest:
		return &DataRequest{}
	case TypeDataBundle:
		return &DataBundle{}
	default:
		return nil
	}
}
