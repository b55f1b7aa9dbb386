package utils

import "errors"

// ErrorRecordNotFound is the storage-agnostic not-found sentinel. The GORM
// adapters translate gorm.ErrRecordNotFound into it so callers never import
// gorm for an error check.
var ErrorRecordNotFound = errors.New("record not found")

// ErrorPanic aborts on errors that can only mean a broken environment. Used
// by the ops commands, never by request handlers.
func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
