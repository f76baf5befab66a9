package models

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

var ErrInvalidEnvelope = errors.New("invalid job envelope")

// JobEnvelope is the broker message for one processing attempt of one image.
// TaskID identifies the delivery attempt and is only used for log correlation.
type JobEnvelope struct {
	TaskID   string `json:"task_id"`
	ImageID  string `json:"image_id"`
	FilePath string `json:"file_path"`
}

func NewJobEnvelope(imageID uuid.UUID, filePath string) JobEnvelope {
	return JobEnvelope{
		TaskID:   uuid.NewString(),
		ImageID:  imageID.String(),
		FilePath: filePath,
	}
}

func (e JobEnvelope) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// DecodeJobEnvelope parses a message body. Errors wrap ErrInvalidEnvelope.
func DecodeJobEnvelope(body []byte) (JobEnvelope, uuid.UUID, error) {
	var env JobEnvelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return env, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.FilePath == "" {
		return env, uuid.Nil, fmt.Errorf("%w: file_path is required", ErrInvalidEnvelope)
	}
	id, err := uuid.Parse(env.ImageID)
	if err != nil {
		return env, uuid.Nil, fmt.Errorf("%w: image_id: %v", ErrInvalidEnvelope, err)
	}
	return env, id, nil
}
