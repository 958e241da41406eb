// Exposure fan-out: one worker goroutine per detector at each pattern
// position, joined before the cursor advances. Results are reported
// back through a plain accumulator owned by the driver, with no shared
// mutation across workers; go.uber.org/multierr (already pulled in
// transitively through zap) combines the independent per-detector
// failures from a single join.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/device"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/fault"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
)

// runExposureFanOut walks blk.Pattern position by position, fanning
// exposures out across blk.Detectors and joining before advancing.
// Returns true iff the OB should be marked failed: at least one detector
// produced zero successful exposures at some position.
func (d *Model) runExposureFanOut(ctx context.Context, blk ob.Block) bool {
	pattern := blk.Pattern
	if len(pattern) == 0 {
		pattern = ob.Stare()
	}

	baseHeader := device.Header(blk.Header()).
		Merge(d.mount.CollectHeaderMetadata()).
		Merge(d.instrument.CollectHeaderMetadata())

	obFailed := false

	for posIdx, offset := range pattern {
		posHeader := device.Header{}
		posHeader.Merge(baseHeader)
		posHeader["POSITION"] = fmt.Sprintf("%d", posIdx+1)
		posHeader["GUIDE"] = fmt.Sprintf("%t", offset.Guide)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			errs     error
			success  = make([]int, len(blk.Detectors))
		)

		for j, dc := range blk.Detectors {
			wg.Add(1)
			go func(j int, dc ob.DetConfig) {
				defer wg.Done()
				n, err := d.exposeOneDetector(ctx, j, dc, posHeader)
				mu.Lock()
				success[j] = n
				if err != nil {
					errs = multierr.Append(errs, err)
				}
				mu.Unlock()
			}(j, dc)
		}
		wg.Wait()

		if errs != nil && d.log != nil {
			d.log.Warn("exposure fan-out reported errors",
				zap.Int("position", posIdx+1), zap.Error(errs))
		}
		for _, n := range success {
			if n == 0 {
				obFailed = true
			}
		}
	}

	return obFailed
}

// exposeOneDetector runs detector j's setup + nexp exposures at one
// pattern position, persisting each successful frame. Returns the count
// of successful exposures and the combined error for this detector.
func (d *Model) exposeOneDetector(ctx context.Context, j int, dc ob.DetConfig, posHeader device.Header) (int, error) {
	det := d.detectors[j]

	if err := det.Setup(ctx, dc); err != nil {
		d.recordFault(fault.DetectorFault, err)
		return 0, err
	}

	detHeader := device.Header{}
	detHeader.Merge(posHeader)
	detHeader.Merge(detectorConfigHeader(dc))

	detTag := fmt.Sprintf("%d", j)
	success := 0
	var errs error
	for k := 1; k <= dc.NExp; k++ {
		h := device.Header{}
		h.Merge(detHeader)
		h["EXPNO"] = fmt.Sprintf("%d", k)

		start := d.now()
		img, err := det.Expose(ctx, h)
		elapsed := d.now().Sub(start)
		if d.metrics != nil {
			d.metrics.ExposureDurationSeconds.Observe(elapsed.Seconds())
		}
		if err != nil {
			d.recordFault(fault.DetectorFault, err)
			errs = multierr.Append(errs, err)
			if d.metrics != nil {
				d.metrics.ExposuresTotal.WithLabelValues(detTag, "failed").Inc()
			}
			continue
		}
		if err := d.persistImage(img); err != nil {
			d.recordFault(fault.DetectorFault, err)
			errs = multierr.Append(errs, err)
			if d.metrics != nil {
				d.metrics.ExposuresTotal.WithLabelValues(detTag, "failed").Inc()
			}
			continue
		}
		success++
		if d.metrics != nil {
			d.metrics.ExposuresTotal.WithLabelValues(detTag, "ok").Inc()
		}
	}
	return success, errs
}

// detectorConfigHeader renders the DC* header keys recorded with each frame.
func detectorConfigHeader(dc ob.DetConfig) device.Header {
	return device.Header{
		"DCEXPT":   fmt.Sprintf("%.3f", dc.ExposureTime.Seconds()),
		"DCNEXP":   fmt.Sprintf("%d", dc.NExp),
		"DCRDMODE": string(dc.Readout),
		"DCBIN":    fmt.Sprintf("%dx%d", dc.BinX, dc.BinY),
		"DCWINDOW": fmt.Sprintf("%d,%d,%d,%d", dc.Window.X0, dc.Window.Y0, dc.Window.X1, dc.Window.Y1),
		"DCGAIN":   fmt.Sprintf("%.3f", dc.Gain),
	}
}

// persistImage writes img under dataDir as
// <instrumentTag>_<YYYYMMDD_at_HHMMSS>UT.<ext>, in UTC, never
// overwriting an existing file: on a same-second collision, a numeric
// suffix is added.
func (d *Model) persistImage(img device.ImageBundle) error {
	stamp := d.now().UTC().Format("20060102_at_150405")
	base := fmt.Sprintf("%s_%sUT", d.instrumentTag, stamp)

	for attempt := 0; attempt < 1000; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%s_%d", base, attempt)
		}
		path := filepath.Join(d.dataDir, name+"."+img.Ext)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return fmt.Errorf("persist image: %w", err)
		}
		_, werr := f.Write(img.Data)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("persist image: write %s: %w", path, werr)
		}
		if cerr != nil {
			return fmt.Errorf("persist image: close %s: %w", path, cerr)
		}
		return nil
	}
	return fmt.Errorf("persist image: exhausted collision suffixes for %s", base)
}
