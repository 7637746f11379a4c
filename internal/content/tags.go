package content

import (
	"fmt"
	"os"

	"github.com/dhowden/tag"
)

// TagReader reads ID3, MP4, FLAC and Ogg tags with github.com/dhowden/tag.
// Tags carry no duration, so Duration is always zero and callers supply it.
type TagReader struct{}

func (TagReader) ReadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return nil, fmt.Errorf("reading tags: %w", err)
	}
	artist := m.Artist()
	if artist == "" {
		artist = m.AlbumArtist()
	}
	return &Metadata{Title: m.Title(), Artist: artist, Album: m.Album()}, nil
}
