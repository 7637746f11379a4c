package wire

import (
	"fmt"

	"meshstat/internal/model"
)

// Records are encoded with a fixed field order. The device signature is
// always the last field, so the canonical signing payload is the encoding
// with that trailing blob left off. Sync state is local and never encoded.

func writePlaybackFields(w *Writer, r *model.PlaybackRecord) {
	w.String(r.RecordID)
	w.String(r.ContentID)
	w.String(r.DeviceID)
	w.Time(r.Timestamp)
	w.I64(r.DurationPlayed)
	w.I64(r.TrackDuration)
	w.F64(r.PlayPercentage)
	w.U32(r.SkipCount)
	w.Bool(r.Repeat)
	w.U8(uint8(r.Source))
	w.U8(uint8(r.Context.TimeOfDay))
	w.U8(uint8(r.Context.DayType))
	w.I64(r.Context.SessionDuration)
	w.U8(uint8(r.Context.Mode))
	w.F32(r.Context.AverageVolume)
	w.U8(uint8(r.Context.Output))
}

func readPlayback(rd *Reader) *model.PlaybackRecord {
	r := &model.PlaybackRecord{
		RecordID:       rd.String(),
		ContentID:      rd.String(),
		DeviceID:       rd.String(),
		Timestamp:      rd.Time(),
		DurationPlayed: rd.I64(),
		TrackDuration:  rd.I64(),
		PlayPercentage: rd.F64(),
		SkipCount:      rd.U32(),
		Repeat:         rd.Bool(),
		Source:         model.SourceType(rd.U8()),
	}
	r.Context.TimeOfDay = model.TimeOfDay(rd.U8())
	r.Context.DayType = model.DayType(rd.U8())
	r.Context.SessionDuration = rd.I64()
	r.Context.Mode = model.PlaybackMode(rd.U8())
	r.Context.AverageVolume = rd.F32()
	r.Context.Output = model.AudioOutput(rd.U8())
	r.DeviceSignature = optBlob(rd.Blob())
	if !r.Source.Valid() || !r.Context.TimeOfDay.Valid() || !r.Context.DayType.Valid() ||
		!r.Context.Mode.Valid() || !r.Context.Output.Valid() {
		rd.Fail(ErrInvalidEnum)
	}
	return r
}

func writeSharingFields(w *Writer, r *model.SharingRecord) {
	w.String(r.RecordID)
	w.String(r.ContentID)
	w.String(r.SharerDeviceID)
	w.OptString(r.RecipientDeviceID)
	w.U8(uint8(r.Method))
	w.Time(r.Timestamp)
	w.I64(r.FileSize)
	w.OptDuration(r.TransferDuration)
	w.U8(uint8(r.Status))
	w.U8(uint8(r.ShareContext))
}

func readSharing(rd *Reader) *model.SharingRecord {
	r := &model.SharingRecord{
		RecordID:          rd.String(),
		ContentID:         rd.String(),
		SharerDeviceID:    rd.String(),
		RecipientDeviceID: rd.OptString(),
		Method:            model.ShareMethod(rd.U8()),
		Timestamp:         rd.Time(),
		FileSize:          rd.I64(),
		TransferDuration:  rd.OptDuration(),
		Status:            model.TransferStatus(rd.U8()),
		ShareContext:      model.ShareContext(rd.U8()),
	}
	r.DeviceSignature = optBlob(rd.Blob())
	if !r.Method.Valid() || !r.Status.Valid() || !r.ShareContext.Valid() {
		rd.Fail(ErrInvalidEnum)
	}
	return r
}

func writeTransferFields(w *Writer, r *model.TransferRecord) {
	w.String(r.RecordID)
	w.String(r.ContentID)
	w.String(r.SourceDeviceID)
	w.OptString(r.TargetDeviceID)
	w.U8(uint8(r.Method))
	w.Time(r.Timestamp)
	w.I64(r.FileSize)
	w.OptDuration(r.TransferDuration)
	w.U8(uint8(r.Status))
}

func readTransfer(rd *Reader) *model.TransferRecord {
	r := &model.TransferRecord{
		RecordID:         rd.String(),
		ContentID:        rd.String(),
		SourceDeviceID:   rd.String(),
		TargetDeviceID:   rd.OptString(),
		Method:           model.TransferMethod(rd.U8()),
		Timestamp:        rd.Time(),
		FileSize:         rd.I64(),
		TransferDuration: rd.OptDuration(),
		Status:           model.TransferStatus(rd.U8()),
	}
	r.DeviceSignature = optBlob(rd.Blob())
	if !r.Method.Valid() || !r.Status.Valid() {
		rd.Fail(ErrInvalidEnum)
	}
	return r
}

func writeTrack(w *Writer, r *model.TrackMetadata) {
	w.String(r.ContentID)
	w.String(r.Title)
	w.String(r.Artist)
	w.OptString(r.Album)
	w.I64(r.Duration)
	w.Blob(r.AudioFingerprint)
	w.Time(r.FirstSeen)
}

func readTrack(rd *Reader) *model.TrackMetadata {
	return &model.TrackMetadata{
		ContentID:        rd.String(),
		Title:            rd.String(),
		Artist:           rd.String(),
		Album:            rd.OptString(),
		Duration:         rd.I64(),
		AudioFingerprint: optBlob(rd.Blob()),
		FirstSeen:        rd.Time(),
	}
}

func optBlob(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// writeRecord encodes rec including its signature.
func writeRecord(w *Writer, rec model.Record) {
	switch r := rec.(type) {
	case *model.PlaybackRecord:
		writePlaybackFields(w, r)
		w.Blob(r.DeviceSignature)
	case *model.SharingRecord:
		writeSharingFields(w, r)
		w.Blob(r.DeviceSignature)
	case *model.TransferRecord:
		writeTransferFields(w, r)
		w.Blob(r.DeviceSignature)
	case *model.TrackMetadata:
		writeTrack(w, r)
	default:
		w.fail(fmt.Errorf("wire: unsupported record type %T", rec))
	}
}

// EncodeRecord returns the standalone encoding of rec.
func EncodeRecord(rec model.Record) ([]byte, error) {
	w := NewWriter()
	writeRecord(w, rec)
	return w.Bytes()
}

// DecodePlayback decodes a standalone playback record.
func DecodePlayback(b []byte) (*model.PlaybackRecord, error) {
	rd := NewReader(b)
	r := readPlayback(rd)
	if err := rd.Finish("PlaybackRecord"); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeSharing decodes a standalone sharing record.
func DecodeSharing(b []byte) (*model.SharingRecord, error) {
	rd := NewReader(b)
	r := readSharing(rd)
	if err := rd.Finish("SharingRecord"); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeTransfer decodes a standalone transfer record.
func DecodeTransfer(b []byte) (*model.TransferRecord, error) {
	rd := NewReader(b)
	r := readTransfer(rd)
	if err := rd.Finish("TransferRecord"); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeTrack decodes standalone track metadata.
func DecodeTrack(b []byte) (*model.TrackMetadata, error) {
	rd := NewReader(b)
	r := readTrack(rd)
	if err := rd.Finish("TrackMetadata"); err != nil {
		return nil, err
	}
	return r, nil
}

// SigningPayload returns the canonical bytes a device signs for rec: every
// field in wire order except the signature. Track metadata is not signed.
func SigningPayload(rec model.Record) ([]byte, error) {
	w := NewWriter()
	switch r := rec.(type) {
	case *model.PlaybackRecord:
		w.U8(uint8(model.KindPlayback))
		writePlaybackFields(w, r)
	case *model.SharingRecord:
		w.U8(uint8(model.KindSharing))
		writeSharingFields(w, r)
	case *model.TransferRecord:
		w.U8(uint8(model.KindTransfer))
		writeTransferFields(w, r)
	default:
		return nil, fmt.Errorf("wire: %T carries no signature", rec)
	}
	return w.Bytes()
}
