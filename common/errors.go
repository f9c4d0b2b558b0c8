package common

import (
	"errors"
	"fmt"
)

// ErrJournalCorrupted is returned when a fully present journal entry fails its checksum.
var ErrJournalCorrupted = errors.New("journal corrupted")

// ErrIndexOutOfRange is returned when a sequence position does not exist.
type ErrIndexOutOfRange struct {
	Index  int
	Length int
}

func (e ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("index out of range: %d (length %d)", e.Index, e.Length)
}

// ErrSerialization is returned when a payload cannot be encoded or decoded.
type ErrSerialization struct {
	Op  string
	Err error
}

func (e ErrSerialization) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Op, e.Err)
}

func (e ErrSerialization) Unwrap() error {
	return e.Err
}

// ErrInvalidEncoding is returned when an unknown encoding format is requested.
type ErrInvalidEncoding struct {
	Format string
}

func (e ErrInvalidEncoding) Error() string {
	return fmt.Sprintf("invalid encoding format: %s", e.Format)
}

// ErrBiasMismatch is returned when a set encoded with one bias is decoded as another.
type ErrBiasMismatch struct {
	Want string
	Got  string
}

func (e ErrBiasMismatch) Error() string {
	return fmt.Sprintf("set bias mismatch: want %s, got %s", e.Want, e.Got)
}

// IsSerialization reports whether err is a serialization failure.
func IsSerialization(err error) bool {
	var target ErrSerialization
	return errors.As(err, &target)
}
