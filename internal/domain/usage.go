package domain

import "time"

// UsageLog accounts for the work done by one finished job.
type UsageLog struct {
	UserID          string    `json:"user_id"`
	JobID           string    `json:"job_id"`
	Inputs          int       `json:"inputs"`
	Outputs         int       `json:"outputs"`
	PixelsProcessed int64     `json:"pixels_processed"`
	BytesSaved      int64     `json:"bytes_saved"`
	ComputeTimeMS   int64     `json:"compute_time_ms"`
	CreatedAt       time.Time `json:"created_at"`
}
