package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rjboer/GoVNA/vna"
)

// FileStore keeps one calibration set in a JSON document.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

// Save replaces the document atomically.
func (s *FileStore) Save(ctx context.Context, set *vna.CalibrationSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := toData(set)
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling calibration: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".calibration-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing calibration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing calibration: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing calibration file: %w", err)
	}
	return nil
}

// Load reads the document and checks it belongs to fingerprint.
func (s *FileStore) Load(ctx context.Context, fingerprint string) (*vna.CalibrationSet, error) {
	set, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	if set.Fingerprint() != fingerprint {
		return nil, fmt.Errorf("%w: %s was captured on grid %s, current grid is %s",
			vna.ErrCalibrationDataMismatch, s.path, set.Fingerprint(), fingerprint)
	}
	return set, nil
}

// Read returns the stored set regardless of grid.
func (s *FileStore) Read(ctx context.Context) (*vna.CalibrationSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("reading calibration: %w", err)
	}
	var data calibrationData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decoding calibration %s: %w", s.path, err)
	}
	return data.toSet()
}

func (s *FileStore) Close() error { return nil }
