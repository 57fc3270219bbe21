package types

import "fmt"

// DecodeError reports an image that could not be read or decoded.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// OracleError reports a failed detection/embedding call for one image or tile.
type OracleError struct {
	Source string
	Tile   TileRef
	Err    error
}

func (e *OracleError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("embedding oracle: %v", e.Err)
	}
	return fmt.Sprintf("embedding oracle on %s [%s]: %v", e.Source, e.Tile, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// DimensionMismatchError reports embeddings of different lengths being compared.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: gallery has %d, probe has %d", e.Want, e.Got)
}
