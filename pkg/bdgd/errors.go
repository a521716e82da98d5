package bdgd

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyStore is returned by aggregation and export when the store
// contains no records.
var ErrEmptyStore = errors.New("store contains no records")

// ErrCatalogUnavailable is returned when the catalog endpoint cannot be
// reached or answers with a non-success status.
type ErrCatalogUnavailable struct {
	URL string
	Err error
}

func (e *ErrCatalogUnavailable) Error() string {
	return fmt.Sprintf("catalog unavailable %s: %v", e.URL, e.Err)
}

func (e *ErrCatalogUnavailable) Unwrap() error {
	return e.Err
}

// ErrCatalogFormat is returned when the catalog answers but its payload
// cannot be interpreted.
type ErrCatalogFormat struct {
	URL string
	Err error
}

func (e *ErrCatalogFormat) Error() string {
	return fmt.Sprintf("malformed catalog response %s: %v", e.URL, e.Err)
}

func (e *ErrCatalogFormat) Unwrap() error {
	return e.Err
}

// ErrDownload is returned when fetching a dataset archive fails after
// retries are exhausted.
type ErrDownload struct {
	Dataset string
	URL     string
	Err     error
}

func (e *ErrDownload) Error() string {
	return fmt.Sprintf("download %s from %s: %v", e.Dataset, e.URL, e.Err)
}

func (e *ErrDownload) Unwrap() error {
	return e.Err
}

// ErrExtraction is returned when a downloaded archive cannot be unpacked
// or contains no geodatabase.
type ErrExtraction struct {
	Dataset string
	Archive string
	Err     error
}

func (e *ErrExtraction) Error() string {
	return fmt.Sprintf("extract %s (%s): %v", e.Dataset, e.Archive, e.Err)
}

func (e *ErrExtraction) Unwrap() error {
	return e.Err
}

// ErrGeometry is returned when a spatial layer cannot be read as point
// geometries.
type ErrGeometry struct {
	Dataset string
	Layer   string
	Err     error
}

func (e *ErrGeometry) Error() string {
	return fmt.Sprintf("geometry error in %s layer %s: %v", e.Dataset, e.Layer, e.Err)
}

func (e *ErrGeometry) Unwrap() error {
	return e.Err
}

// ErrCRSMismatch is returned when a dataset declares a coordinate system
// different from the store's and reprojection is disabled.
type ErrCRSMismatch struct {
	Dataset string
	Got     int // EPSG code the dataset declares
	Want    int // EPSG code the store was established with
}

func (e *ErrCRSMismatch) Error() string {
	if e.Got == 0 && e.Want == 0 {
		return fmt.Sprintf("dataset %s declares no coordinate system", e.Dataset)
	}
	return fmt.Sprintf("dataset %s is in EPSG:%d but the store uses EPSG:%d",
		e.Dataset, e.Got, e.Want)
}

// ErrInvalidColumn is returned when aggregation names an attribute the
// records do not carry.
type ErrInvalidColumn struct {
	Column string
	Valid  []string
}

func (e *ErrInvalidColumn) Error() string {
	return fmt.Sprintf("unknown aggregation column %q (valid: %s)",
		e.Column, strings.Join(e.Valid, ", "))
}

// Error code constants for reports and logs.
const (
	ErrCodeCatalogUnavailable = "CATALOG_UNAVAILABLE"
	ErrCodeCatalogFormat      = "CATALOG_FORMAT"
	ErrCodeDownload           = "DOWNLOAD_FAILED"
	ErrCodeExtraction         = "EXTRACTION_FAILED"
	ErrCodeGeometry           = "GEOMETRY_ERROR"
	ErrCodeCRSMismatch        = "CRS_MISMATCH"
	ErrCodeInvalidColumn      = "INVALID_COLUMN"
	ErrCodeEmptyStore         = "EMPTY_STORE"
	ErrCodeUnknown            = "UNKNOWN"
)

// ErrorCode returns the code string for a given error.
func ErrorCode(err error) string {
	if errors.Is(err, ErrEmptyStore) {
		return ErrCodeEmptyStore
	}
	switch {
	case errorAs[*ErrCatalogUnavailable](err):
		return ErrCodeCatalogUnavailable
	case errorAs[*ErrCatalogFormat](err):
		return ErrCodeCatalogFormat
	case errorAs[*ErrDownload](err):
		return ErrCodeDownload
	case errorAs[*ErrExtraction](err):
		return ErrCodeExtraction
	case errorAs[*ErrGeometry](err):
		return ErrCodeGeometry
	case errorAs[*ErrCRSMismatch](err):
		return ErrCodeCRSMismatch
	case errorAs[*ErrInvalidColumn](err):
		return ErrCodeInvalidColumn
	default:
		return ErrCodeUnknown
	}
}

func errorAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
