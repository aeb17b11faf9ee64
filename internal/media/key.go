package media

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewKey returns a fresh storage key for a photo uploaded at now:
//
//	cats/2024/05/01/6f1c0e8a-...-9b2d.jpg
//
// Keys are random, never derived from the content, so two uploads of the
// same bytes get two keys and replacing a photo never overwrites the
// object another cat may still point at. The date prefix keeps bucket
// listings and on-disk directories small.
func NewKey(now time.Time, ext string) string {
	now = now.UTC()
	return fmt.Sprintf("cats/%04d/%02d/%02d/%s%s", now.Year(), now.Month(), now.Day(), uuid.NewString(), ext)
}
