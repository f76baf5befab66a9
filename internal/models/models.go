// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusNew        Status = "NEW"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
)

// Terminal reports whether no further transition is expected for the current attempt.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusProcessing, StatusDone, StatusError:
		return true
	}
	return false
}

// Image is one uploaded image. Thumbnails maps a size key ("100x100") to the stored
// location of the derived file and stays nil until a run completes.
type Image struct {
	ID          uuid.UUID         `db:"id"           json:"id"`
	Status      Status            `db:"status"       json:"status"`
	OriginalURL string            `db:"original_url" json:"original_url"`
	Thumbnails  map[string]string `db:"thumbnails"   json:"thumbnails"`
	CreatedAt   time.Time         `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"   json:"updated_at"`
}
