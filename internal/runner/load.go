// Loaders for the two plain-text external inputs the runner needs
// beyond config.Config: the horizon CSV and the OB queue file the CLI
// points the scheduler at.
package runner

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/site"
)

// loadHorizonCSV reads a "az,h" header CSV into azimuth-sorted
// samples. NewTableHorizon re-sorts defensively, so row order in the
// file does not matter.
func loadHorizonCSV(path string) ([]site.HorizonSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse CSV: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("expected a header row plus at least one data row")
	}

	var samples []site.HorizonSample
	for i, row := range rows[1:] {
		if len(row) < 2 {
			return nil, fmt.Errorf("row %d: expected 2 columns, got %d", i+2, len(row))
		}
		az, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid azimuth %q: %w", i+2, row[0], err)
		}
		alt, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid altitude %q: %w", i+2, row[1], err)
		}
		samples = append(samples, site.HorizonSample{AzimuthDeg: az, AltitudeDeg: alt})
	}
	return samples, nil
}

// obDoc is the on-disk YAML shape of one observing block; a thin
// translation layer onto ob.Block, which itself stays free of yaml
// struct tags.
type obDoc struct {
	BlockType string `yaml:"blocktype"`
	Target    struct {
		Name    string  `yaml:"name"`
		RADeg   float64 `yaml:"ra_deg"`
		DecDeg  float64 `yaml:"dec_deg"`
	} `yaml:"target"`
	Align struct {
		Kind string `yaml:"kind"`
	} `yaml:"align"`
	Pattern []struct {
		DRAarcsec  float64 `yaml:"dra_arcsec"`
		DDecArcsec float64 `yaml:"ddec_arcsec"`
		Guide      bool    `yaml:"guide"`
	} `yaml:"pattern"`
	Inst struct {
		Filter          string  `yaml:"filter"`
		FocuserPosition float64 `yaml:"focuser_position"`
		WavelengthNM    float64 `yaml:"wavelength_nm"`
	} `yaml:"instconfig"`
	Detectors []struct {
		ExposureTimeSec float64 `yaml:"exptime"`
		NExp            int     `yaml:"nexp"`
		Gain            float64 `yaml:"gain"`
		BinX            int     `yaml:"binx"`
		BinY            int     `yaml:"biny"`
		Readout         string  `yaml:"readout"`
	} `yaml:"detconfig"`
	Focus struct {
		NPositions        int     `yaml:"n_positions"`
		StepDeg           float64 `yaml:"step_deg"`
		ImagesPerPosition int     `yaml:"images_per_position"`
		RefocusIfNearEdge bool    `yaml:"refocus_if_near_edge"`
	} `yaml:"focus"`
}

// LoadBlocksFile reads a YAML list of observing blocks into the
// sequence the scheduler will serve FIFO.
func LoadBlocksFile(path string) ([]ob.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadBlocksFile: read %q: %w", path, err)
	}

	var docs []obDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("LoadBlocksFile: parse %q: %w", path, err)
	}

	blocks := make([]ob.Block, 0, len(docs))
	for i, d := range docs {
		blk, err := d.toBlock()
		if err != nil {
			return nil, fmt.Errorf("LoadBlocksFile: block[%d]: %w", i, err)
		}
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

func (d obDoc) toBlock() (ob.Block, error) {
	blockType, err := parseBlockType(d.BlockType)
	if err != nil {
		return ob.Block{}, err
	}
	alignKind, err := parseAlignKind(d.Align.Kind)
	if err != nil {
		return ob.Block{}, err
	}

	var pattern ob.Pattern
	for _, p := range d.Pattern {
		pattern = append(pattern, ob.Offset{DRAarcsec: p.DRAarcsec, DDecArcsec: p.DDecArcsec, Guide: p.Guide})
	}

	var detectors []ob.DetConfig
	for _, dc := range d.Detectors {
		detectors = append(detectors, ob.DetConfig{
			ExposureTime: time.Duration(dc.ExposureTimeSec * float64(time.Second)),
			NExp:         dc.NExp,
			Gain:         dc.Gain,
			BinX:         dc.BinX,
			BinY:         dc.BinY,
			Readout:      ob.ReadoutMode(dc.Readout),
		})
	}

	return ob.Block{
		Type: blockType,
		Target: ob.Target{
			Name:       d.Target.Name,
			Coordinate: ob.Coordinate{RADeg: d.Target.RADeg, DecDeg: d.Target.DecDeg},
		},
		Align:     ob.Align{Kind: alignKind},
		Pattern:   pattern,
		Inst:      ob.InstConfig{Filter: d.Inst.Filter, FocuserPosition: d.Inst.FocuserPosition, WavelengthNM: d.Inst.WavelengthNM},
		Detectors: detectors,
		Focus: ob.FocusSpec{
			NPositions:        d.Focus.NPositions,
			StepDeg:           d.Focus.StepDeg,
			ImagesPerPosition: d.Focus.ImagesPerPosition,
			RefocusIfNearEdge: d.Focus.RefocusIfNearEdge,
		},
	}, nil
}

func parseBlockType(s string) (ob.BlockType, error) {
	switch s {
	case "Science":
		return ob.Science, nil
	case "FocusParabola":
		return ob.FocusParabola, nil
	case "FocusMax":
		return ob.FocusMax, nil
	case "Calibration":
		return ob.Calibration, nil
	default:
		return 0, fmt.Errorf("unrecognized blocktype %q", s)
	}
}

func parseAlignKind(s string) (ob.AlignKind, error) {
	switch s {
	case "", "Blind":
		return ob.AlignBlind, nil
	case "Mask":
		return ob.AlignMask, nil
	default:
		return 0, fmt.Errorf("unrecognized align kind %q", s)
	}
}


