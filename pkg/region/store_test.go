// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreSetAndGet(t *testing.T) {
	s := NewStore()
	a := New("a", Site{File: "f.go", Line: 1}, nil, nil)
	b := New("b", Site{File: "f.go", Line: 2}, nil, nil)
	s.Set(a)
	s.Set(b)

	got, ok := s.Get(a.Key())
	assert.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 2, s.Len())

	a2 := New("a", Site{File: "f.go", Line: 1}, nil, nil)
	s.Set(a2)
	got, _ = s.Get(a.Key())
	assert.Same(t, a2, got, "set overwrites by key")
	assert.Equal(t, 2, s.Len())

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStoreIterate(t *testing.T) {
	s := NewStore()
	for _, idf := range []string{"r1", "r2", "r3", "r4"} {
		s.Set(New(idf, Site{File: "f.go"}, nil, nil))
	}

	errFirst := errors.New("first")
	errSecond := errors.New("second")

	var visited []string
	err := s.Iterate(func(r *Region) error {
		visited = append(visited, r.IDF())
		switch r.IDF() {
		case "r2":
			return errFirst
		case "r3":
			return errSecond
		}
		return nil
	})

	assert.ErrorIs(t, err, errFirst)
	assert.NotErrorIs(t, err, errSecond)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, visited, "iteration must not stop at the first failure")
}

func TestStoreFinalize(t *testing.T) {
	s := NewStore()
	r := New("r", Site{}, nil, nil)
	s.Set(r)

	assert.NoError(t, s.Finalize())
	assert.True(t, r.Finalized())
	assert.Equal(t, 0, s.Len())
}
