// Package sensors reads the primary unit's power and tamper inputs from sysfs-style files.
package sensors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

// PowerSensor reads external power presence, e.g. /sys/class/power_supply/AC/online.
type PowerSensor struct {
	path       string
	fileClient file.FileOperations
}

func NewPowerSensor(path string, fileClient file.FileOperations) *PowerSensor {
	return &PowerSensor{path: path, fileClient: fileClient}
}

// PowerPresent reports whether external power is connected.
func (s *PowerSensor) PowerPresent() (bool, error) {
	return readFlag(s.fileClient, s.path)
}

// TamperBank watches a set of tamper inputs and reports rising edges.
type TamperBank struct {
	inputs     map[constants.TamperKind]string
	fileClient file.FileOperations
	logger     zerolog.Logger
	active     map[constants.TamperKind]bool
}

// NewTamperBank builds a bank from kind -> input path.
func NewTamperBank(inputs map[string]string, fileClient file.FileOperations, logger zerolog.Logger) (*TamperBank, error) {
	bank := &TamperBank{
		inputs:     make(map[constants.TamperKind]string, len(inputs)),
		fileClient: fileClient,
		logger:     logger,
		active:     make(map[constants.TamperKind]bool),
	}
	for name, path := range inputs {
		kind := constants.TamperKind(name)
		switch kind {
		case constants.TamperPowerDisconnect, constants.TamperSIMPull, constants.TamperSensor:
		default:
			return nil, fmt.Errorf("unknown tamper input %q", name)
		}
		bank.inputs[kind] = path
	}
	return bank, nil
}

// Poll returns the inputs that became active since the previous poll. Unreadable
// inputs are skipped and reported in the joined error.
func (b *TamperBank) Poll() ([]constants.TamperKind, error) {
	var fired []constants.TamperKind
	var errs []error
	for kind, path := range b.inputs {
		on, err := readFlag(b.fileClient, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		if on && !b.active[kind] {
			fired = append(fired, kind)
		}
		b.active[kind] = on
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i] < fired[j] })
	return fired, errors.Join(errs...)
}

func readFlag(fileClient file.FileOperations, path string) (bool, error) {
	raw, err := fileClient.ReadFileRaw(path)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(raw)) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("unexpected value %q in %s", strings.TrimSpace(string(raw)), path)
}
