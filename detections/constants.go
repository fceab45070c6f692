package detections

const (
	// Baseline (SSD MobileNet v2) input canvas, NHWC uint8.
	BaselineInputSize     = 300
	BaselineMaxDetections = 100
	// BaselineScoreFloor is a fixed policy, not a runtime knob.
	BaselineScoreFloor = 0.5

	// Improved (YOLOv8 int8) input canvas, NCHW float32.
	ImprovedInputSize   = 640
	ImprovedPredictions = 8400
	ImprovedScoreFloor  = 0.5
	ImprovedIoU         = 0.4

	RetryAttempts = 3
	RetryDelayMs  = 100
)
