package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
)

// HashString returns a short stable identifier for a string. Used to derive
// document ids from file names.
func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashBytes returns the content hash used for supersede detection on
// re-ingest.
func HashBytes(input []byte) string {
	hash := sha256.Sum256(input)
	return fmt.Sprintf("%x", hash)
}
