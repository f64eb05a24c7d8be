//go:build !govips || !cgo

package codec

func Startup() error {
	return nil
}

func Shutdown() {}

// CanEncode reports whether this build can write format. The pure Go codec
// has no WEBP encoder.
func CanEncode(format Format) bool {
	return format != FormatWebP
}

func newCodec() (Codec, error) {
	return Imaging{}, nil
}
