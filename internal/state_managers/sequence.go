package state_managers

import (
	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

type sequenceState struct {
	Last uint64 `json:"last"`
}

// SequenceCounter hands out the per-device monotonic sequence numbers. The last
// issued value is persisted before it is returned so numbers are never reused
// after a power cycle.
type SequenceCounter struct {
	state *FileStateManager[sequenceState]
}

// NewSequenceCounter creates a counter backed by filePath.
func NewSequenceCounter(filePath string, fileClient file.FileOperations, logger zerolog.Logger) *SequenceCounter {
	return &SequenceCounter{state: NewFileStateManager[sequenceState](filePath, fileClient, logger)}
}

// Next returns the next sequence number, starting at 1.
func (c *SequenceCounter) Next() (uint64, error) {
	s, err := c.state.UpdateState(func(s *sequenceState) error {
		s.Last++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.Last, nil
}

// Last returns the most recently issued number.
func (c *SequenceCounter) Last() (uint64, error) {
	s, err := c.state.LoadState()
	return s.Last, err
}
