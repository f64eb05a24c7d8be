package pipeline

import "fmt"

// UnsupportedInputError is returned for streaming inputs. Only buffered
// contents can be transformed.
type UnsupportedInputError struct {
	Path string
}

func (e *UnsupportedInputError) Error() string {
	return fmt.Sprintf("streaming input not supported: %s", e.Path)
}

// WatermarkNotFoundError is returned when the configured watermark file is
// missing at the time an image needs it.
type WatermarkNotFoundError struct {
	Path string
	Err  error
}

func (e *WatermarkNotFoundError) Error() string {
	return fmt.Sprintf("watermark file not found: %s", e.Path)
}

func (e *WatermarkNotFoundError) Unwrap() error {
	return e.Err
}
