// Package content derives stable content identifiers for audio files.
//
// A ContentID is SHA-256 over fingerprint ‖ title ‖ artist ‖ duration
// bucket, truncated to 32 hex characters. Two copies of the same recording
// with close metadata produce the same ID; the fingerprint algorithm is
// pluggable and may be upgraded without changing the interface.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"meshstat/internal/model"
)

// IDLength is the number of hex characters in a ContentID.
const IDLength = 32

// DurationBucket is the granularity durations are rounded down to.
const DurationBucket = 5 * time.Second

// ErrNoFingerprint is returned when neither the fingerprint path nor the
// whole-file fallback can identify the source. Callers must not record
// events without a ContentID.
var ErrNoFingerprint = errors.New("content: unable to fingerprint audio source")

// AudioSource describes one audio file. Title, Artist, Album and Duration
// are supplied by the caller when known; missing fields are read from the
// file's tags.
type AudioSource struct {
	Path     string
	Title    string
	Artist   string
	Album    string
	Duration time.Duration
}

// Metadata is what a MetadataReader extracts from a file.
type Metadata struct {
	Title    string
	Artist   string
	Album    string
	Duration time.Duration
}

// MetadataReader extracts tag metadata from an audio file.
type MetadataReader interface {
	ReadMetadata(path string) (*Metadata, error)
}

// Identifier computes ContentIDs.
type Identifier struct {
	fingerprinter Fingerprinter
	tags          MetadataReader
}

// NewIdentifier creates an Identifier. A nil fingerprinter selects the
// leading-bytes fingerprint; a nil reader selects embedded tag parsing.
func NewIdentifier(fp Fingerprinter, tags MetadataReader) *Identifier {
	if fp == nil {
		fp = NewLeadingBytesFingerprinter(DefaultLeadingBytes)
	}
	if tags == nil {
		tags = TagReader{}
	}
	return &Identifier{fingerprinter: fp, tags: tags}
}

// Identification is the result of identifying a source.
type Identification struct {
	ContentID   string
	Fingerprint []byte
	Metadata    Metadata
	// FromContentHash is true when metadata was unusable and the ID was
	// derived from a whole-file hash instead.
	FromContentHash bool
}

// Identify returns the ContentID of src.
func (id *Identifier) Identify(ctx context.Context, src AudioSource) (string, error) {
	res, err := id.Inspect(ctx, src)
	if err != nil {
		return "", err
	}
	return res.ContentID, nil
}

// Inspect identifies src and returns the inputs used alongside the ID.
func (id *Identifier) Inspect(ctx context.Context, src AudioSource) (*Identification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	md := id.resolveMetadata(src)
	if usable(md) {
		fp, err := id.fingerprinter.Fingerprint(src.Path)
		if err == nil {
			return &Identification{
				ContentID:   DeriveID(fp, md.Title, md.Artist, md.Duration),
				Fingerprint: fp,
				Metadata:    md,
			}, nil
		}
	}

	sum, err := hashFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoFingerprint, src.Path, err)
	}
	return &Identification{
		ContentID:       hex.EncodeToString(sum[:])[:IDLength],
		Fingerprint:     sum[:],
		Metadata:        md,
		FromContentHash: true,
	}, nil
}

// Describe identifies src and builds the TrackMetadata entry for it.
func (id *Identifier) Describe(ctx context.Context, src AudioSource, firstSeen time.Time) (*model.TrackMetadata, error) {
	res, err := id.Inspect(ctx, src)
	if err != nil {
		return nil, err
	}
	return &model.TrackMetadata{
		ContentID:        res.ContentID,
		Title:            res.Metadata.Title,
		Artist:           res.Metadata.Artist,
		Album:            res.Metadata.Album,
		Duration:         int64(res.Metadata.Duration / time.Second),
		AudioFingerprint: res.Fingerprint,
		FirstSeen:        firstSeen,
	}, nil
}

// resolveMetadata fills fields the caller left empty from embedded tags.
func (id *Identifier) resolveMetadata(src AudioSource) Metadata {
	md := Metadata{Title: src.Title, Artist: src.Artist, Album: src.Album, Duration: src.Duration}
	if md.Title != "" && md.Artist != "" && md.Duration > 0 {
		return md
	}
	tags, err := id.tags.ReadMetadata(src.Path)
	if err != nil || tags == nil {
		return md
	}
	if md.Title == "" {
		md.Title = tags.Title
	}
	if md.Artist == "" {
		md.Artist = tags.Artist
	}
	if md.Album == "" {
		md.Album = tags.Album
	}
	if md.Duration <= 0 {
		md.Duration = tags.Duration
	}
	return md
}

// usable requires a title and a duration. Artist may be empty.
func usable(md Metadata) bool {
	return Normalize(md.Title) != "" && md.Duration > 0
}

// DeriveID computes a ContentID from its inputs.
func DeriveID(fingerprint []byte, title, artist string, duration time.Duration) string {
	h := sha256.New()
	h.Write(fingerprint)
	h.Write([]byte{0})
	h.Write([]byte(Normalize(title)))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(artist)))
	h.Write([]byte{0})
	var bucket [8]byte
	binary.BigEndian.PutUint64(bucket[:], uint64(BucketSeconds(duration)))
	h.Write(bucket[:])
	return hex.EncodeToString(h.Sum(nil))[:IDLength]
}

// BucketSeconds rounds d down to the nearest DurationBucket, in seconds.
func BucketSeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d.Truncate(DurationBucket) / time.Second)
}

// Normalize lowercases s, removes punctuation and symbols, and collapses
// runs of whitespace to a single space.
func Normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

func hashFile(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
