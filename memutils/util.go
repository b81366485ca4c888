package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is returned from CheckPow2 when the number being tested
// is not a power of two.
var PowerOfTwoError error = errors.New("number must be a power of two")

// AllocRequest describes a single allocation against one of the bump
// allocators in this module. Alignment must be a power of two; allocators
// reject violations eagerly rather than producing misaligned memory.
type AllocRequest struct {
	Size      int
	Alignment uint
}

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}
