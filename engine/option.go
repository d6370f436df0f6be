package engine

import (
	"fmt"

	"github.com/chessdojo/enginepool/commons"
)

// OptionName is a global option that must be consistent across every worker of a pool
type OptionName string

const (
	// OptionLines is the number of principal variations, UCI MultiPV
	OptionLines OptionName = "MultiPV"
	// OptionThreads is the number of search threads per worker
	OptionThreads OptionName = "Threads"
	// OptionHash is the transposition table size in MB
	OptionHash OptionName = "Hash"
)

const (
	LinesMin        int = 1
	LinesMax        int = 5
	ThreadsMin      int = 1
	ThreadsMax      int = 512
	HashExponentMin int = 4  // 16 MB
	HashExponentMax int = 12 // 4096 MB

	LinesDefault  int = 1
	HashMBDefault int = 16

	// OptionValueUnknown marks an option whose broadcast was interrupted, workers may disagree on it
	OptionValueUnknown int = -1
)

// Options are the last-applied global option values of a pool, zero means engine default and OptionValueUnknown means not known
type Options struct {
	Lines   int `json:"lines"`
	Threads int `json:"threads"`
	HashMB  int `json:"hash_mb"`
}

// NewDefaultOptions returns options applied during handshake
func NewDefaultOptions() Options {
	return Options{
		Lines:   LinesDefault,
		Threads: 0,
		HashMB:  HashMBDefault,
	}
}

// Get returns the value of the named option
func (options Options) Get(name OptionName) int {
	switch name {
	case OptionLines:
		return options.Lines
	case OptionThreads:
		return options.Threads
	case OptionHash:
		return options.HashMB
	}
	return 0
}

// With returns a copy with the named option set
func (options Options) With(name OptionName, value int) Options {
	switch name {
	case OptionLines:
		options.Lines = value
	case OptionThreads:
		options.Threads = value
	case OptionHash:
		options.HashMB = value
	}
	return options
}

// Commands returns setoption commands for every non-default option
func (options Options) Commands() []string {
	commands := []string{}
	for _, name := range OptionOrder() {
		value := options.Get(name)
		if value <= 0 {
			continue
		}
		commands = append(commands, SetOptionCommand(name, value))
	}
	return commands
}

// Diff returns setoption commands for options that differ from the other
func (options Options) Diff(other Options) []string {
	commands := []string{}
	for _, name := range OptionOrder() {
		value := options.Get(name)
		if value <= 0 || value == other.Get(name) {
			continue
		}
		commands = append(commands, SetOptionCommand(name, value))
	}
	return commands
}

// OptionOrder returns the order options are applied in, later settings see the final earlier values
func OptionOrder() []OptionName {
	return []OptionName{OptionLines, OptionHash, OptionThreads}
}

// ParseOptionName parses an option name, accepting UCI and short names
func ParseOptionName(name string) (OptionName, error) {
	switch name {
	case string(OptionLines), "lines", "multipv":
		return OptionLines, nil
	case string(OptionThreads), "threads":
		return OptionThreads, nil
	case string(OptionHash), "hash", "hash_mb":
		return OptionHash, nil
	}
	return "", commons.NewConfigurationErrorf("unknown option %q", name)
}

// SetOptionCommand returns the UCI command setting the option
func SetOptionCommand(name OptionName, value int) string {
	return fmt.Sprintf("setoption name %s value %d", name, value)
}

// ValidateOption checks the value against the option's range
func ValidateOption(name OptionName, value int) error {
	switch name {
	case OptionLines:
		if value < LinesMin || value > LinesMax {
			return commons.NewConfigurationErrorf("invalid %s value %d is not in range [%d, %d]", name, value, LinesMin, LinesMax)
		}
	case OptionThreads:
		if value < ThreadsMin || value > ThreadsMax {
			return commons.NewConfigurationErrorf("invalid %s value %d is not in range [%d, %d]", name, value, ThreadsMin, ThreadsMax)
		}
	case OptionHash:
		hashMin := 1 << HashExponentMin
		hashMax := 1 << HashExponentMax
		if value < hashMin || value > hashMax {
			return commons.NewConfigurationErrorf("invalid %s value %d is not in range [%d, %d]", name, value, hashMin, hashMax)
		}
		if value&(value-1) != 0 {
			return commons.NewConfigurationErrorf("invalid %s value %d is not a power of two", name, value)
		}
	default:
		return commons.NewConfigurationErrorf("unknown option %q", name)
	}
	return nil
}
