package placement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidRange marks a block range or block count that can never be served.
var ErrInvalidRange = errors.New("invalid block range")

// BlockRange is the half-open interval [Start, End) of block indices.
type BlockRange struct {
	Start int
	End   int
}

func (r BlockRange) Len() int {
	return r.End - r.Start
}

func (r BlockRange) Contains(index int) bool {
	return index >= r.Start && index < r.End
}

func (r BlockRange) Indices() []int {
	out := make([]int, 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		out = append(out, i)
	}
	return out
}

func (r BlockRange) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}

// Validate checks that r is non-empty and fits in a model of totalBlocks.
func (r BlockRange) Validate(totalBlocks int) error {
	if r.Start < 0 || r.End <= r.Start {
		return errors.Wrapf(ErrInvalidRange, "%s is empty or negative", r)
	}
	if totalBlocks > 0 && r.End > totalBlocks {
		return errors.Wrapf(ErrInvalidRange, "%s exceeds the model's %d blocks", r, totalBlocks)
	}
	return nil
}

// ParseBlockRange parses the operator format "start:end".
func ParseBlockRange(s string) (BlockRange, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return BlockRange{}, errors.Wrapf(ErrInvalidRange, "%q must be start:end (e.g. 0:18)", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return BlockRange{}, errors.Wrapf(ErrInvalidRange, "bad start in %q", s)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return BlockRange{}, errors.Wrapf(ErrInvalidRange, "bad end in %q", s)
	}
	r := BlockRange{Start: start, End: end}
	if err := r.Validate(0); err != nil {
		return BlockRange{}, err
	}
	return r, nil
}

// Request is the operator's placement choice: a pinned range or a block count.
type Request struct {
	Pinned    *BlockRange
	NumBlocks int
}

// IsPinned reports whether the operator fixed the range.
func (q Request) IsPinned() bool {
	return q.Pinned != nil
}

// Validate enforces that exactly one of Pinned and NumBlocks is set.
func (q Request) Validate(totalBlocks int) error {
	if (q.Pinned != nil) == (q.NumBlocks > 0) {
		return errors.Wrap(ErrInvalidRange, "specify either a pinned block range or a number of blocks, not both")
	}
	if q.Pinned != nil {
		return q.Pinned.Validate(totalBlocks)
	}
	if q.NumBlocks > totalBlocks {
		return errors.Wrapf(ErrInvalidRange, "cannot serve %d blocks of a %d-block model", q.NumBlocks, totalBlocks)
	}
	return nil
}
