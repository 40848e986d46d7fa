package etc

import (
	"github.com/nrednav/cuid2"
	"github.com/pion/randutil"
)

func NewFreshID() string {
	return cuid2.Generate()
}

// NewSSRC returns a random stream serial for Ogg pages.
func NewSSRC() uint32 {
	return randutil.NewMathRandomGenerator().Uint32()
}
