// Package corpus holds the labeled spectrograms the sampler draws from and
// loads them from a dataset directory through the cache.
package corpus

import (
	"errors"
	"fmt"

	"github.com/spectrofeed/spectrofeed/internal/config"
	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// ErrLabels is returned when a label sequence does not match its spectrogram.
var ErrLabels = errors.New("label sequence does not match spectrogram")

// Item pairs one spectrogram with its frame-aligned labels. Items are
// read-only once part of an Index.
type Item struct {
	ID     string
	Spect  spect.Array
	Labels []bool
}

// Index is an immutable collection of items. It may be shared between
// goroutines without synchronization.
type Index struct {
	items []*Item
}

// NewIndex validates items and wraps them in an Index.
func NewIndex(items []*Item) (*Index, error) {
	for _, it := range items {
		if it == nil || it.Spect == nil {
			return nil, fmt.Errorf("%w: corpus item without a spectrogram", config.ErrConfiguration)
		}
		if len(it.Labels) != it.Spect.Frames() {
			return nil, fmt.Errorf("%w: %w: %s has %d labels for %d frames",
				config.ErrConfiguration, ErrLabels, it.ID, len(it.Labels), it.Spect.Frames())
		}
	}
	return &Index{items: items}, nil
}

// Len returns the number of items.
func (x *Index) Len() int {
	return len(x.items)
}

// Item returns item i.
func (x *Index) Item(i int) *Item {
	return x.items[i]
}

// Items returns the items in load order. The slice must not be modified.
func (x *Index) Items() []*Item {
	return x.items
}

// Map returns a new index whose spectrograms are fn applied to the
// originals. Labels are shared.
func (x *Index) Map(fn func(*Item) (spect.Array, error)) (*Index, error) {
	items := make([]*Item, len(x.items))
	for i, it := range x.items {
		a, err := fn(it)
		if err != nil {
			return nil, fmt.Errorf("transforming %s: %w", it.ID, err)
		}
		items[i] = &Item{ID: it.ID, Spect: a, Labels: it.Labels}
	}
	return NewIndex(items)
}
