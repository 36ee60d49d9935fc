// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package region

// Store is the table of regions of one thread, keyed by Region.Key. It is
// not safe for concurrent use.
type Store struct {
	regions map[string]*Region
	order   []string
}

func NewStore() *Store {
	return &Store{
		regions: map[string]*Region{},
	}
}

// Set inserts r, replacing any region stored under the same key
func (s *Store) Set(r *Region) {
	if _, exists := s.regions[r.key]; !exists {
		s.order = append(s.order, r.key)
	}
	s.regions[r.key] = r
}

func (s *Store) Get(key string) (*Region, bool) {
	r, ok := s.regions[key]
	return r, ok
}

func (s *Store) Len() int {
	return len(s.regions)
}

// Iterate calls fn for every region in insertion order. It visits all
// regions even when fn fails and returns the first error.
func (s *Store) Iterate(fn func(*Region) error) error {
	var first error
	for _, key := range s.order {
		if err := fn(s.regions[key]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Finalize finalizes every region and empties the store
func (s *Store) Finalize() error {
	err := s.Iterate(func(r *Region) error {
		r.Finalize()
		return nil
	})
	s.regions = map[string]*Region{}
	s.order = nil
	return err
}
