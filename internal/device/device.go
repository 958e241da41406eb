// Package device defines the polymorphic device ports: Weather, Roof,
// Mount, Instrument, and Detector. Each is a capability interface with a
// file-backed/in-memory simulator (this package); Mount also has a thin
// hardware (Alpaca) client (device/alpaca.go) behind the same interface.
//
// Real hardware control and the Alpaca wire protocol are out of scope;
// alpaca.go is a minimal stub sufficient to show the seam, not a
// complete client.
package device

import (
	"context"
	"time"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
)

// Header is FITS-header-shaped device metadata: string-valued key/value
// pairs a device contributes via CollectHeaderMetadata.
type Header map[string]string

// Merge copies src's entries into h, overwriting on key collision, and
// returns h for chaining.
func (h Header) Merge(src Header) Header {
	for k, v := range src {
		h[k] = v
	}
	return h
}

// Weather reports current safety.
type Weather interface {
	IsSafe(now time.Time) bool
	WasSafeSince(t time.Time) bool
}

// Roof opens and closes the enclosure.
type Roof interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	IsOpen() bool
}

// Mount points and parks the telescope.
type Mount interface {
	Slew(ctx context.Context, c ob.Coordinate) error
	Park(ctx context.Context) error
	Unpark(ctx context.Context) error
	AtPark() bool
	Tracking() bool
	SetTracking(ctx context.Context, on bool) error
	CollectHeaderMetadata() Header
}

// Instrument configures the filter/focuser/wavelength chain.
type Instrument interface {
	Configure(ctx context.Context, c ob.InstConfig) error
	CollectHeaderMetadata() Header
}

// ImageBundle is the payload a Detector hands back from one exposure:
// the pixel data is opaque to the sequencer (an external FITS writer
// owns the encoding) — the sequencer only needs the bytes and the
// extension to name the file.
type ImageBundle struct {
	Data []byte
	Ext  string
}

// Detector exposes one camera. Detectors are addressed by index in a
// Block's DetConfig slice; the sequencer never calls two methods on the
// same Detector concurrently, but distinct Detectors are independent.
type Detector interface {
	Setup(ctx context.Context, c ob.DetConfig) error
	Expose(ctx context.Context, h Header) (ImageBundle, error)
}
