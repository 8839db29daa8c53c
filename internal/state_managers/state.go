package state_managers

import (
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

// FileStateManager persists a single JSON document of type T.
type FileStateManager[T any] struct {
	filePath   string
	fileClient file.FileOperations
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewFileStateManager initializes a new FileStateManager
func NewFileStateManager[T any](filePath string, fileClient file.FileOperations, logger zerolog.Logger) *FileStateManager[T] {
	return &FileStateManager[T]{
		filePath:   filePath,
		fileClient: fileClient,
		logger:     logger,
	}
}

// LoadState reads the state from the file; a missing file yields the zero value.
func (sm *FileStateManager[T]) LoadState() (T, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.loadLocked()
}

// SaveState writes the state to the file
func (sm *FileStateManager[T]) SaveState(state T) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.saveLocked(state)
}

// UpdateState applies fn to the stored state and persists the result atomically
// with respect to other callers.
func (sm *FileStateManager[T]) UpdateState(fn func(*T) error) (T, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, err := sm.loadLocked()
	if err != nil {
		return state, err
	}
	if err := fn(&state); err != nil {
		return state, err
	}
	return state, sm.saveLocked(state)
}

func (sm *FileStateManager[T]) loadLocked() (T, error) {
	var state T
	if err := sm.fileClient.ReadJsonFile(sm.filePath, &state); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		sm.logger.Error().Err(err).Str("path", sm.filePath).Msg("Failed to read state file")
		return state, err
	}
	return state, nil
}

func (sm *FileStateManager[T]) saveLocked(state T) error {
	if err := sm.fileClient.WriteJsonFile(sm.filePath, state); err != nil {
		sm.logger.Error().Err(err).Str("path", sm.filePath).Msg("Failed to write state file")
		return err
	}
	return nil
}
