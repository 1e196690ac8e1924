package storage

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/GoVNA/vna"
)

// ExportYAML writes set as a human readable YAML document.
func ExportYAML(w io.Writer, set *vna.CalibrationSet) error {
	data, err := toData(set)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encoding calibration: %w", err)
	}
	return enc.Close()
}

// ImportYAML reads a document written by ExportYAML.
func ImportYAML(r io.Reader) (*vna.CalibrationSet, error) {
	var data calibrationData
	if err := yaml.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding calibration: %w", err)
	}
	return data.toSet()
}
