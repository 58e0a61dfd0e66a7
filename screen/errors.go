package screen

import (
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"
)

// ErrScreenFormat matches every *ScreenFormatError via errors.Is.
var ErrScreenFormat = errors.New("screen: unexpected screen format")

// ScreenFormatError reports a screen that could not be parsed. Raw keeps the
// bytes exactly as read so the failure can be inspected later.
type ScreenFormatError struct {
	Screen string
	Reason string
	Raw    []byte
}

func (e *ScreenFormatError) Error() string {
	return fmt.Sprintf("screen: %s: %s (%d bytes, digest %016x)", e.Screen, e.Reason, len(e.Raw), e.Digest())
}

func (e *ScreenFormatError) Is(target error) bool {
	return target == ErrScreenFormat
}

// Digest fingerprints the raw bytes so repeated bad screens from one node can
// be correlated across runs without logging the whole buffer each time.
func (e *ScreenFormatError) Digest() uint64 {
	return xxh3.Hash(e.Raw)
}

func formatErr(screen, reason string, raw []byte) error {
	kept := make([]byte, len(raw))
	copy(kept, raw)
	return &ScreenFormatError{Screen: screen, Reason: reason, Raw: kept}
}
