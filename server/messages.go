package server

import (
	"fmt"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

const (
	MsgInvalidVersion = "Invalid model version"

	MsgModelUnavailable = "No detector could be loaded. Check that the model artifacts are present and switch models again."

	MsgInvalidImage = "Failed to decode image"
)

func switchedMessage(v models.ModelVersion) string {
	return fmt.Sprintf("Model switched to %s", v)
}
