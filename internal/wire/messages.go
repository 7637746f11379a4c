package wire

import (
	"time"

	"meshstat/internal/model"
)

// MessageType is the one-byte tag that prefixes every frame on the mesh.
type MessageType uint8

const (
	TypePlaybackBatch    MessageType = 0x01
	TypeTrackMeta        MessageType = 0x02
	TypeDeviceRegister   MessageType = 0x03
	TypeSyncAck          MessageType = 0x04
	TypeSharingBatch     MessageType = 0x05
	TypeTransferBatch    MessageType = 0x06
	TypeAggregatorBeacon MessageType = 0x10
	TypeAnnouncement     MessageType = 0x11
	TypeDataRequest      MessageType = 0x12
	TypeDataBundle       MessageType = 0x13
)

func (t MessageType) String() string {
	switch t {
	case TypePlaybackBatch:
		return "PlaybackBatch"
	case TypeTrackMeta:
		return "TrackMeta"
	case TypeDeviceRegister:
		return "DeviceRegister"
	case TypeSyncAck:
		return "SyncAck"
	case TypeSharingBatch:
		return "SharingBatch"
	case TypeTransferBatch:
		return "TransferBatch"
	case TypeAggregatorBeacon:
		return "AggregatorBeacon"
	case TypeAnnouncement:
		return "AggregatedDataAnnouncement"
	case TypeDataRequest:
		return "AggregatedDataRequest"
	case TypeDataBundle:
		return "AggregatedDataBundle"
	default:
		return "Unknown"
	}
}

// Message is implemented by every frame body. Marshal and Unmarshal are
// the only entry points; each message owns one encode/decode pair.
type Message interface {
	Type() MessageType
	encode(w *Writer)
	decode(r *Reader)
}

// PlaybackBatch carries pending playback records from one device.
type PlaybackBatch struct {
	Timestamp time.Time
	BatchID   string
	DeviceID  string
	Records   []*model.PlaybackRecord
}

func (*PlaybackBatch) Type() MessageType { return TypePlaybackBatch }

func (m *PlaybackBatch) encode(w *Writer) {
	w.Time(m.Timestamp)
	w.String(m.BatchID)
	w.String(m.DeviceID)
	w.Count(len(m.Records))
	for _, rec := range m.Records {
		w.Nested(func(w *Writer) { writeRecord(w, rec) })
	}
}

func (m *PlaybackBatch) decode(r *Reader) {
	m.Timestamp = r.Time()
	m.BatchID = r.String()
	m.DeviceID = r.String()
	r.Repeated("PlaybackRecord", func(r *Reader) {
		m.Records = append(m.Records, readPlayback(r))
	})
}

// SharingBatch carries pending sharing records from one device.
type SharingBatch struct {
	Timestamp time.Time
	BatchID   string
	DeviceID  string
	Records   []*model.SharingRecord
}

func (*SharingBatch) Type() MessageType { return TypeSharingBatch }

func (m *SharingBatch) encode(w *Writer) {
	w.Time(m.Timestamp)
	w.String(m.BatchID)
	w.String(m.DeviceID)
	w.Count(len(m.Records))
	for _, rec := range m.Records {
		w.Nested(func(w *Writer) { writeRecord(w, rec) })
	}
}

func (m *SharingBatch) decode(r *Reader) {
	m.Timestamp = r.Time()
	m.BatchID = r.String()
	m.DeviceID = r.String()
	r.Repeated("SharingRecord", func(r *Reader) {
		m.Records = append(m.Records, readSharing(r))
	})
}

// TransferBatch carries pending transfer records from one device.
type TransferBatch struct {
	Timestamp time.Time
	BatchID   string
	DeviceID  string
	Records   []*model.TransferRecord
}

func (*TransferBatch) Type() MessageType { return TypeTransferBatch }

func (m *TransferBatch) encode(w *Writer) {
	w.Time(m.Timestamp)
	w.String(m.BatchID)
	w.String(m.DeviceID)
	w.Count(len(m.Records))
	for _, rec := range m.Records {
		w.Nested(func(w *Writer) { writeRecord(w, rec) })
	}
}

func (m *TransferBatch) decode(r *Reader) {
	m.Timestamp = r.Time()
	m.BatchID = r.String()
	m.DeviceID = r.String()
	r.Repeated("TransferRecord", func(r *Reader) {
		m.Records = append(m.Records, readTransfer(r))
	})
}

// TrackMeta carries one TrackMetadata entry.
type TrackMeta struct {
	Timestamp time.Time
	Metadata  *model.TrackMetadata
}

func (*TrackMeta) Type() MessageType { return TypeTrackMeta }

func (m *TrackMeta) encode(w *Writer) {
	w.Time(m.Timestamp)
	if m.Metadata == nil {
		w.fail(errNilMetadata)
		return
	}
	w.Nested(func(w *Writer) { writeTrack(w, m.Metadata) })
}

func (m *TrackMeta) decode(r *Reader) {
	m.Timestamp = r.Time()
	r.Nested("TrackMetadata", func(r *Reader) { m.Metadata = readTrack(r) })
}

// DeviceRegister announces a device's signing public key.
type DeviceRegister struct {
	Timestamp  time.Time
	DeviceID   string
	DeviceInfo string
	PublicKey  []byte
}

func (*DeviceRegister) Type() MessageType { return TypeDeviceRegister }

func (m *DeviceRegister) encode(w *Writer) {
	w.Time(m.Timestamp)
	w.String(m.DeviceID)
	w.String(m.DeviceInfo)
	w.Blob(m.PublicKey)
}

func (m *DeviceRegister) decode(r *Reader) {
	m.Timestamp = r.Time()
	m.DeviceID = r.String()
	m.DeviceInfo = r.String()
	m.PublicKey = r.Blob()
}

// SyncAck confirms that an aggregator holds the listed records.
type SyncAck struct {
	Timestamp    time.Time
	AggregatorID string
	RecordIDs    []string
}

func (*SyncAck) Type() MessageType { return TypeSyncAck }

func (m *SyncAck) encode(w *Writer) {
	w.Time(m.Timestamp)
	w.String(m.AggregatorID)
	w.Count(len(m.RecordIDs))
	for _, id := range m.RecordIDs {
		w.String(id)
	}
}

func (m *SyncAck) decode(r *Reader) {
	m.Timestamp = r.Time()
	m.AggregatorID = r.String()
	n := r.Count()
	for i := 0; i < n && r.err == nil; i++ {
		m.RecordIDs = append(m.RecordIDs, r.String())
	}
}

// AggregatorBeacon advertises an aggregator's identity, capacity and load.
type AggregatorBeacon struct {
	Timestamp    time.Time
	AggregatorID string
	Capacity     uint32
	CurrentLoad  uint32
	LastSyncTime time.Time
	Version      uint32
}

func (*AggregatorBeacon) Type() MessageType { return TypeAggregatorBeacon }

func (m *AggregatorBeacon) encode(w *Writer) {
	w.Time(m.Timestamp)
	w.String(m.AggregatorID)
	w.U32(m.Capacity)
	w.U32(m.CurrentLoad)
	w.Time(m.LastSyncTime)
	w.U32(m.Version)
}

func (m *AggregatorBeacon) decode(r *Reader) {
	m.Timestamp = r.Time()
	m.AggregatorID = r.String()
	m.Capacity = r.U32()
	m.CurrentLoad = r.U32()
	m.LastSyncTime = r.Time()
	m.Version = r.U32()
}

// Announcement advertises how many records of each kind an aggregator holds.
type Announcement struct {
	Timestamp     time.Time
	AggregatorID  string
	PlaybackCount uint32
	SharingCount  uint32
	MetadataCount uint32
	TransferCount uint32
}

func (*Announcement) Type() MessageType { return TypeAnnouncement }

func (m *Announcement) encode(w *Writer) {
	w.Time(m.Timestamp)
	w.String(m.AggregatorID)
	w.U32(m.PlaybackCount)
	w.U32(m.SharingCount)
	w.U32(m.MetadataCount)
	w.U32(m.TransferCount)
}

func (m *Announcement) decode(r *Reader) {
	m.Timestamp = r.Time()
	m.AggregatorID = r.String()
	m.PlaybackCount = r.U32()
	m.SharingCount = r.U32()
	m.MetadataCount = r.U32()
	m.TransferCount = r.U32()
}

// Counts returns the announced holdings as model.Counts.
func (m *Announcement) Counts() model.Counts {
	return model.Counts{
		Playback:  int64(m.PlaybackCount),
		Sharing:   int64(m.SharingCount),
		Tracks:    int64(m.MetadataCount),
		Transfers: int64(m.TransferCount),
	}
}

// DataRequest asks an aggregator for its records, optionally only those
// newer than Since.
type DataRequest struct {
	Timestamp   time.Time
	RequestID   string
	RequesterID string
	Since       *time.Time
}

func (*DataRequest) Type() MessageType { return TypeDataRequest }

func (m *DataRequest) encode(w *Writer) {
	w.Time(m.Timestamp)
	w.String(m.RequestID)
	w.String(m.RequesterID)
	w.Bool(m.Since != nil)
	if m.Since != nil {
		w.Time(*m.Since)
	}
}

func (m *DataRequest) decode(r *Reader) {
	m.Timestamp = r.Time()
	m.RequestID = r.String()
	m.RequesterID = r.String()
	if r.Bool() {
		t := r.Time()
		m.Since = &t
	}
}

// DataBundle carries an aggregated bundle between aggregators.
type DataBundle struct {
	Bundle model.Bundle
}

func (*DataBundle) Type() MessageType { return TypeDataBundle }

func (m *DataBundle) encode(w *Writer) {
	b := &m.Bundle
	w.Time(b.CreatedAt)
	w.String(b.ID)
	w.String(b.Source)
	w.Count(len(b.Playback))
	for _, rec := range b.Playback {
		w.Nested(func(w *Writer) { writeRecord(w, rec) })
	}
	w.Count(len(b.Sharing))
	for _, rec := range b.Sharing {
		w.Nested(func(w *Writer) { writeRecord(w, rec) })
	}
	w.Count(len(b.Tracks))
	for _, rec := range b.Tracks {
		w.Nested(func(w *Writer) { writeRecord(w, rec) })
	}
	w.Count(len(b.Transfers))
	for _, rec := range b.Transfers {
		w.Nested(func(w *Writer) { writeRecord(w, rec) })
	}
}

func (m *DataBundle) decode(r *Reader) {
	b := &m.Bundle
	b.CreatedAt = r.Time()
	b.ID = r.String()
	b.Source = r.String()
	r.Repeated("PlaybackRecord", func(r *Reader) { b.Playback = append(b.Playback, readPlayback(r)) })
	r.Repeated("SharingRecord", func(r *Reader) { b.Sharing = append(b.Sharing, readSharing(r)) })
	r.Repeated("TrackMetadata", func(r *Reader) { b.Tracks = append(b.Tracks, readTrack(r)) })
	r.Repeated("TransferRecord", func(r *Reader) { b.Transfers = append(b.Transfers, readTransfer(r)) })
}
