package gallery

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/andresmejia3/rollcall/internal/types"
)

// snapshotVersion is bumped whenever the encoded layout changes. Older
// snapshots are reported as unavailable and rebuilt.
const snapshotVersion = 2

type snapshot struct {
	Version int
	Entries []entry
}

// entry keeps the map key next to the record; the two are not required to
// agree for galleries assembled outside Add.
type entry struct {
	Key      string
	Identity Identity
}

// Encode writes g as a gob snapshot. Identities are written in name order so
// equal galleries encode to equal bytes.
func Encode(w io.Writer, g Gallery) error {
	snap := snapshot{Version: snapshotVersion, Entries: make([]entry, 0, len(g))}
	for _, name := range g.Names() {
		snap.Entries = append(snap.Entries, entry{Key: name, Identity: g[name]})
	}
	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		return fmt.Errorf("encode gallery: %w", err)
	}
	return nil
}

// Decode reads a snapshot written by Encode. Any failure wraps ErrCacheUnavailable.
func Decode(r io.Reader) (Gallery, error) {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", ErrCacheUnavailable, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: snapshot version %d, want %d", ErrCacheUnavailable, snap.Version, snapshotVersion)
	}

	g := New()
	dim := 0
	for _, en := range snap.Entries {
		for _, e := range en.Identity.Embeddings {
			if dim == 0 {
				dim = e.Dim()
			}
			if e.Dim() != dim {
				return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, &types.DimensionMismatchError{Want: dim, Got: e.Dim()})
			}
		}
		g[en.Key] = en.Identity
	}
	return g, nil
}

// Marshal is Encode into a byte slice, for key-value backends.
func Marshal(g Gallery) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal is Decode from a byte slice.
func Unmarshal(data []byte) (Gallery, error) {
	return Decode(bytes.NewReader(data))
}
