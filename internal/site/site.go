// Package site implements the clock/sky oracle: whether it is currently
// dark at the observatory's location, and the horizon mask that bounds
// which targets are observable.
//
// Plain structs built from validated fields, no hidden global state:
// every function takes the "now" it needs rather than calling
// time.Now() itself, the same discipline applied elsewhere to injecting
// *zap.Logger instead of reaching for a package logger.
package site

import (
	"math"
	"sort"
	"time"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
)

// Site is the observatory's geodetic location plus its horizon profile.
type Site struct {
	LatDeg, LonDeg, HeightM float64
	Horizon                 Horizon
}

// HorizonSample is one (azimuth, minimum altitude) pair, both in degrees.
type HorizonSample struct {
	AzimuthDeg, AltitudeDeg float64
}

// Horizon is either a single scalar minimum altitude (ScalarDeg, Samples
// empty) or a table of azimuth-sorted samples interpolated linearly and
// wrapped at 360 degrees.
type Horizon struct {
	ScalarDeg float64
	Samples   []HorizonSample // must be sorted by AzimuthDeg in [0,360) when non-empty
}

// NewScalarHorizon builds a Horizon with a single minimum altitude
// everywhere.
func NewScalarHorizon(minAltDeg float64) Horizon {
	return Horizon{ScalarDeg: minAltDeg}
}

// NewTableHorizon builds a Horizon from unsorted samples, sorting them by
// azimuth as the contract requires.
func NewTableHorizon(samples []HorizonSample) Horizon {
	cp := make([]HorizonSample, len(samples))
	copy(cp, samples)
	sort.Slice(cp, func(i, j int) bool { return cp[i].AzimuthDeg < cp[j].AzimuthDeg })
	return Horizon{Samples: cp}
}

// At returns the minimum observable altitude at the given azimuth,
// linearly interpolating between the two bracketing samples. Azimuths
// outside the sampled range wrap: the last sample and the first sample
// plus 360 degrees bracket the gap.
func (h Horizon) At(azDeg float64) float64 {
	if len(h.Samples) == 0 {
		return h.ScalarDeg
	}
	az := normalizeAz(azDeg)
	n := len(h.Samples)

	if n == 1 {
		return h.Samples[0].AltitudeDeg
	}

	// Exact or interior match via binary search for the first sample
	// with AzimuthDeg >= az.
	idx := sort.Search(n, func(i int) bool { return h.Samples[i].AzimuthDeg >= az })

	if idx < n && h.Samples[idx].AzimuthDeg == az {
		return h.Samples[idx].AltitudeDeg
	}

	if idx == 0 {
		// az is before the first sample: bracket with (last-360, first).
		prev := h.Samples[n-1]
		next := h.Samples[0]
		return interpolate(prev.AzimuthDeg-360, prev.AltitudeDeg, next.AzimuthDeg, next.AltitudeDeg, az)
	}
	if idx == n {
		// az is after the last sample: bracket with (last, first+360).
		prev := h.Samples[n-1]
		next := h.Samples[0]
		return interpolate(prev.AzimuthDeg, prev.AltitudeDeg, next.AzimuthDeg+360, next.AltitudeDeg, az)
	}

	prev := h.Samples[idx-1]
	next := h.Samples[idx]
	return interpolate(prev.AzimuthDeg, prev.AltitudeDeg, next.AzimuthDeg, next.AltitudeDeg, az)
}

func interpolate(az0, alt0, az1, alt1, az float64) float64 {
	if az1 == az0 {
		return alt0
	}
	frac := (az - az0) / (az1 - az0)
	return alt0 + frac*(alt1-alt0)
}

func normalizeAz(az float64) float64 {
	az = math.Mod(az, 360)
	if az < 0 {
		az += 360
	}
	return az
}

// AltAz is a topocentric position in degrees.
type AltAz struct {
	AltitudeDeg, AzimuthDeg float64
}

// Oracle answers "is it dark" and "will this target have set before the
// block finishes" questions, always taking an explicit instant rather
// than reading the wall clock, so it can be driven deterministically in
// tests.
type Oracle interface {
	IsDark(now time.Time) bool
	BelowHorizonNow(b ob.Block, now time.Time) bool
}

// SolarOracle computes topocentric solar altitude from the site's
// location; it is dark iff the sun is below the horizon. This is the
// production oracle.
type SolarOracle struct {
	Site Site
}

// IsDark reports whether the sun is below the horizon at now.
func (o SolarOracle) IsDark(now time.Time) bool {
	return solarAltitudeDeg(o.Site.LatDeg, o.Site.LonDeg, now) < 0
}

// BelowHorizon reports whether the given topocentric position is at or
// below the site's horizon mask at its azimuth.
func (o SolarOracle) BelowHorizon(p AltAz) bool {
	return p.AltitudeDeg <= o.Site.Horizon.At(p.AzimuthDeg)
}

// BelowHorizonNow projects b's target forward to the instant it will
// finish (now plus b.EstimateDuration()) and reports whether it will
// have set below the site's horizon mask by then — not whether it is
// up right now.
func (o SolarOracle) BelowHorizonNow(b ob.Block, now time.Time) bool {
	finish := now.Add(b.EstimateDuration())
	p := Project(o.Site.LatDeg, o.Site.LonDeg, b.Target.RADeg, b.Target.DecDeg, finish)
	return o.BelowHorizon(p)
}

// solarAltitudeDeg is a low-precision solar position formula (accurate to
// roughly a degree, which is more than sufficient for a day/night
// decision) so the package has no ephemeris dependency. It is not used
// for pointing — only for the is-it-dark test.
func solarAltitudeDeg(latDeg, lonDeg float64, t time.Time) float64 {
	ut := t.UTC()
	jd := julianDay(ut)
	n := jd - 2451545.0

	// Mean longitude and mean anomaly of the sun (degrees).
	L := math.Mod(280.460+0.9856474*n, 360)
	g := math.Mod(357.528+0.9856003*n, 360)
	gr := deg2rad(g)

	// Ecliptic longitude.
	lambda := L + 1.915*math.Sin(gr) + 0.020*math.Sin(2*gr)
	lambdaR := deg2rad(lambda)

	// Obliquity of the ecliptic.
	epsilon := deg2rad(23.439 - 0.0000004*n)

	// Right ascension / declination.
	sinDec := math.Sin(epsilon) * math.Sin(lambdaR)
	dec := math.Asin(sinDec)
	ra := math.Atan2(math.Cos(epsilon)*math.Sin(lambdaR), math.Cos(lambdaR))

	// Greenwich mean sidereal time (hours), then local hour angle (degrees).
	gmst := math.Mod(6.697374558+0.06570982441908*n+float64(ut.Hour())+float64(ut.Minute())/60.0+float64(ut.Second())/3600.0, 24)
	lst := math.Mod(gmst+lonDeg/15.0, 24)
	if lst < 0 {
		lst += 24
	}
	ha := deg2rad(lst*15.0) - ra

	lat := deg2rad(latDeg)
	sinAlt := math.Sin(lat)*math.Sin(dec) + math.Cos(lat)*math.Cos(dec)*math.Cos(ha)
	return rad2deg(math.Asin(clamp(sinAlt, -1, 1)))
}

func julianDay(t time.Time) float64 {
	return float64(t.Unix())/86400.0 + 2440587.5
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Project converts an RA/Dec (degrees, epoch-of-date approximation — no
// precession/nutation/proper-motion correction, which is out of scope for
// a below-horizon go/no-go check) to topocentric alt/az at the given site
// and instant.
func Project(latDeg, lonDeg, raDeg, decDeg float64, t time.Time) AltAz {
	ut := t.UTC()
	n := julianDay(ut) - 2451545.0

	gmst := math.Mod(6.697374558+0.06570982441908*n+float64(ut.Hour())+float64(ut.Minute())/60.0+float64(ut.Second())/3600.0, 24)
	lst := math.Mod(gmst+lonDeg/15.0, 24)
	if lst < 0 {
		lst += 24
	}
	ha := deg2rad(lst*15.0 - raDeg)

	lat := deg2rad(latDeg)
	dec := deg2rad(decDeg)

	sinAlt := math.Sin(lat)*math.Sin(dec) + math.Cos(lat)*math.Cos(dec)*math.Cos(ha)
	alt := math.Asin(clamp(sinAlt, -1, 1))

	cosAz := (math.Sin(dec) - math.Sin(lat)*sinAlt) / (math.Cos(lat) * math.Cos(alt))
	az := math.Acos(clamp(cosAz, -1, 1))
	if math.Sin(ha) > 0 {
		az = 2*math.Pi - az
	}

	return AltAz{AltitudeDeg: rad2deg(alt), AzimuthDeg: rad2deg(az)}
}

// TimerOracle is a simplified, timer-based oracle: dark for at most
// 3*maxWait after start, for deterministic tests that don't want to
// depend on real solar geometry. It never consults the site's position.
type TimerOracle struct {
	Start   time.Time
	MaxWait time.Duration
	Horizon Horizon
}

// IsDark reports dark for the configured window after Start.
func (o TimerOracle) IsDark(now time.Time) bool {
	return now.Sub(o.Start) <= 3*o.MaxWait
}

// BelowHorizonNow always reports the target as still up: TimerOracle
// never tracks site position, only elapsed time since Start, so it has
// nothing to project.
func (o TimerOracle) BelowHorizonNow(b ob.Block, now time.Time) bool {
	return false
}
