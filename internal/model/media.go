package model

import "time"

// MediaObject records a key handed to the blob store.
//
// A row is written before the bytes so that every stored object is
// discoverable by the housekeeper, including objects whose upload was
// interrupted and which no cat ever linked.
type MediaObject struct {
	Key         string    `json:"key"`
	OwnerID     string    `json:"owner"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}
