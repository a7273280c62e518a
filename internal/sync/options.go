package sync

import (
	"fmt"

	"github.com/driftbox/driftbox/internal/filter"
)

// Options controls one sync run.
type Options struct {
	Mode           Mode
	ConflictPolicy ConflictPolicy
	// AllowDeletions permits the mirror modes to delete the side being
	// mirrored over. Off by default; without it those cases degrade to
	// SKIP.
	AllowDeletions bool
	// SubdirFilter, when set, restricts the plan to paths under this
	// prefix.
	SubdirFilter string
	// MaxItems truncates the plan; zero means unlimited.
	MaxItems int
	// VerifyChecksums re-hashes downloads against the remote-reported
	// digest.
	VerifyChecksums bool
	// UseCache serves local checksums from the hash cache when size and
	// mtime are unchanged.
	UseCache bool
	// Include filters which local files are scanned at all.
	Include filter.Predicate
}

func DefaultOptions() Options {
	return Options{
		Mode:           ModeBidirectional,
		ConflictPolicy: PolicyNewerWins,
		UseCache:       true,
	}
}

func (o *Options) Validate() error {
	if !o.Mode.IsValid() {
		return fmt.Errorf("invalid sync mode %q", o.Mode)
	}
	if !o.ConflictPolicy.IsValid() {
		return fmt.Errorf("invalid conflict policy %q", o.ConflictPolicy)
	}
	if o.MaxItems < 0 {
		return fmt.Errorf("max items must be >= 0")
	}
	return nil
}
