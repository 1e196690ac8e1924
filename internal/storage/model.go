package storage

import (
	"fmt"
	"math"
	"time"

	"github.com/rjboer/GoVNA/vna"
)

// formatVersion is bumped when the document layout changes.
const formatVersion = 1

// cplx is a complex number as [re, im]. Float64 values survive JSON and
// YAML encoding bit for bit.
type cplx [2]float64

func toCplx(v complex128) cplx     { return cplx{real(v), imag(v)} }
func (c cplx) complex() complex128 { return complex(c[0], c[1]) }

type errorTermsData struct {
	E00    cplx `json:"e00" yaml:"e00,flow"`
	E11    cplx `json:"e11" yaml:"e11,flow"`
	E10E01 cplx `json:"e10e01" yaml:"e10e01,flow"`
	Valid  bool `json:"valid" yaml:"valid"`
}

type thruTermsData struct {
	Tracking    cplx `json:"tracking" yaml:"tracking,flow"`
	Leakage     cplx `json:"leakage" yaml:"leakage,flow"`
	ReflLeakage cplx `json:"reflLeakage" yaml:"refl_leakage,flow"`
	LoadRefl    cplx `json:"loadRefl" yaml:"load_refl,flow"`
	Valid       bool `json:"valid" yaml:"valid"`
}

type calibrationData struct {
	Version     int                `json:"version" yaml:"version"`
	ID          string             `json:"id" yaml:"id"`
	CreatedAt   time.Time          `json:"createdAt" yaml:"created_at"`
	Fingerprint string             `json:"fingerprint" yaml:"fingerprint"`
	Grid        vna.Grid           `json:"grid" yaml:"grid"`
	TwoPort     bool               `json:"twoPort" yaml:"two_port"`
	Ports       [][]errorTermsData `json:"ports" yaml:"ports"`
	Thru        [][]thruTermsData  `json:"thru,omitempty" yaml:"thru,omitempty"`
}

func finite(vals ...complex128) bool {
	for _, v := range vals {
		if math.IsNaN(real(v)) || math.IsNaN(imag(v)) || math.IsInf(real(v), 0) || math.IsInf(imag(v), 0) {
			return false
		}
	}
	return true
}

func toData(set *vna.CalibrationSet) (*calibrationData, error) {
	if set == nil {
		return nil, fmt.Errorf("storage: nil calibration set")
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	d := &calibrationData{
		Version:     formatVersion,
		ID:          set.ID,
		CreatedAt:   set.CreatedAt.UTC(),
		Fingerprint: set.Fingerprint(),
		Grid:        set.Grid,
		TwoPort:     set.TwoPort,
		Ports:       make([][]errorTermsData, len(set.Ports)),
	}
	for p, terms := range set.Ports {
		d.Ports[p] = make([]errorTermsData, len(terms))
		for i, t := range terms {
			if !finite(t.E00, t.E11, t.E10E01) {
				return nil, fmt.Errorf("storage: port %d index %d has non-finite terms", p+1, i)
			}
			d.Ports[p][i] = errorTermsData{E00: toCplx(t.E00), E11: toCplx(t.E11), E10E01: toCplx(t.E10E01), Valid: t.Valid}
		}
	}
	if len(set.Thru) > 0 {
		d.Thru = make([][]thruTermsData, len(set.Thru))
	}
	for dir, terms := range set.Thru {
		d.Thru[dir] = make([]thruTermsData, len(terms))
		for i, t := range terms {
			if !finite(t.Tracking, t.Leakage, t.ReflLeakage, t.LoadRefl) {
				return nil, fmt.Errorf("storage: thru direction %d index %d has non-finite terms", dir, i)
			}
			d.Thru[dir][i] = thruTermsData{
				Tracking:    toCplx(t.Tracking),
				Leakage:     toCplx(t.Leakage),
				ReflLeakage: toCplx(t.ReflLeakage),
				LoadRefl:    toCplx(t.LoadRefl),
				Valid:       t.Valid,
			}
		}
	}
	return d, nil
}

func (d *calibrationData) toSet() (*vna.CalibrationSet, error) {
	if d.Version != formatVersion {
		return nil, fmt.Errorf("storage: unsupported calibration format version %d", d.Version)
	}
	set := &vna.CalibrationSet{
		ID:        d.ID,
		CreatedAt: d.CreatedAt,
		Grid:      d.Grid,
		TwoPort:   d.TwoPort,
		Ports:     make([][]vna.ErrorTerms, len(d.Ports)),
	}
	for p, terms := range d.Ports {
		set.Ports[p] = make([]vna.ErrorTerms, len(terms))
		for i, t := range terms {
			set.Ports[p][i] = vna.ErrorTerms{E00: t.E00.complex(), E11: t.E11.complex(), E10E01: t.E10E01.complex(), Valid: t.Valid}
		}
	}
	if len(d.Thru) > 0 {
		set.Thru = make([][]vna.ThruTerms, len(d.Thru))
	}
	for dir, terms := range d.Thru {
		set.Thru[dir] = make([]vna.ThruTerms, len(terms))
		for i, t := range terms {
			set.Thru[dir][i] = vna.ThruTerms{
				Tracking:    t.Tracking.complex(),
				Leakage:     t.Leakage.complex(),
				ReflLeakage: t.ReflLeakage.complex(),
				LoadRefl:    t.LoadRefl.complex(),
				Valid:       t.Valid,
			}
		}
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if set.Fingerprint() != d.Fingerprint {
		return nil, fmt.Errorf("%w: stored fingerprint %s does not match grid", vna.ErrCalibrationDataMismatch, d.Fingerprint)
	}
	return set, nil
}
