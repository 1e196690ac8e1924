package storage

import (
	_ "embed"
)

//go:embed schema.sql
var initSchemaSQL string

const (
	insertCalibrationSQL = `
INSERT INTO calibrations (id,
                          fingerprint,
                          created_at,
                          start_hz,
                          step_hz,
                          points,
                          two_port,
                          terms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectLatestCalibrationSQL = `
SELECT 
    terms 
FROM calibrations 
WHERE 
    fingerprint = ? 
ORDER BY created_at DESC, rowid DESC 
LIMIT 1`

	selectCalibrationByIDSQL = `
SELECT 
    terms 
FROM calibrations 
WHERE 
    id = ?`

	selectCalibrationsSQL = `
SELECT 
    id, 
    fingerprint, 
    created_at, 
    start_hz, 
    step_hz, 
    points, 
    two_port 
FROM calibrations 
ORDER BY created_at, rowid`

	pruneCalibrationsSQL = `
DELETE FROM calibrations 
WHERE 
    fingerprint = ? 
    AND id NOT IN (SELECT id 
                   FROM calibrations 
                   WHERE fingerprint = ? 
                   ORDER BY created_at DESC, rowid DESC 
                   LIMIT ?)`

	deleteCalibrationSQL = `
DELETE FROM calibrations 
WHERE 
    id = ?`
)
