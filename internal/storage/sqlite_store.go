package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rjboer/GoVNA/vna"
)

// DefaultKeepPerGrid is how many sets per grid a library retains.
const DefaultKeepPerGrid = 10

// SqliteStore is a calibration library holding many sets.
type SqliteStore struct {
	dbPath string
	// KeepPerGrid bounds the sets retained per fingerprint; <= 0 keeps all.
	KeepPerGrid int

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store for the database at dbPath. The database
// and schema are created on first use.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath, KeepPerGrid: DefaultKeepPerGrid}
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	// the schema must exist before a read-only connection can query it
	if _, err := s.getWriteDB(); err != nil {
		return nil, err
	}
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// Save inserts set and prunes older sets of the same grid.
func (s *SqliteStore) Save(ctx context.Context, set *vna.CalibrationSet) (err error) {
	data, err := toData(set)
	if err != nil {
		return err
	}
	if data.ID == "" {
		return errors.New("storage: calibration set has no ID")
	}
	terms, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling calibration: %w", err)
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	if _, err = tx.ExecContext(ctx, insertCalibrationSQL,
		data.ID,
		data.Fingerprint,
		data.CreatedAt.UnixNano(),
		data.Grid.StartHz,
		data.Grid.StepHz,
		data.Grid.Points,
		data.TwoPort,
		terms,
	); err != nil {
		return fmt.Errorf("inserting calibration: %w", err)
	}

	if s.KeepPerGrid > 0 {
		if _, err = tx.ExecContext(ctx, pruneCalibrationsSQL, data.Fingerprint, data.Fingerprint, s.KeepPerGrid); err != nil {
			return fmt.Errorf("pruning calibrations: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing calibration: %w", err)
	}
	return nil
}

// Load returns the newest set captured on the grid identified by fingerprint.
func (s *SqliteStore) Load(ctx context.Context, fingerprint string) (*vna.CalibrationSet, error) {
	set, err := s.queryOne(ctx, selectLatestCalibrationSQL, fingerprint)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no calibration for grid %s: %w", ErrNotFound, fingerprint, vna.ErrCalibrationDataMismatch)
	}
	return set, err
}

// Get returns the set with the given ID.
func (s *SqliteStore) Get(ctx context.Context, id string) (*vna.CalibrationSet, error) {
	return s.queryOne(ctx, selectCalibrationByIDSQL, id)
}

func (s *SqliteStore) queryOne(ctx context.Context, query string, arg any) (set *vna.CalibrationSet, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var terms []byte
	if err = stmt.QueryRowContext(ctx, arg).Scan(&terms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning calibration: %w", err)
	}

	var data calibrationData
	if err = json.Unmarshal(terms, &data); err != nil {
		return nil, fmt.Errorf("decoding calibration: %w", err)
	}
	return data.toSet()
}

// List returns summaries of every stored set, oldest first.
func (s *SqliteStore) List(ctx context.Context) (out []Summary, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectCalibrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying calibrations: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sum Summary
		var created int64
		if err = rows.Scan(&sum.ID, &sum.Fingerprint, &created, &sum.Grid.StartHz, &sum.Grid.StepHz, &sum.Grid.Points, &sum.TwoPort); err != nil {
			return nil, fmt.Errorf("scanning calibration: %w", err)
		}
		sum.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, sum)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calibrations: %w", err)
	}
	return out, nil
}

// Delete removes the set with the given ID.
func (s *SqliteStore) Delete(ctx context.Context, id string) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}
	res, err := db.ExecContext(ctx, deleteCalibrationSQL, id)
	if err != nil {
		return fmt.Errorf("deleting calibration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
