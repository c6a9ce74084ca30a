package artifact

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the transcript size above which logs are stored
// zstd-compressed with a ".zst" suffix.
const compressThreshold = 64 << 10

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("artifact: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifact: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeLog returns the bytes and file name to store a log under. Small
// logs, and logs that do not shrink, are stored as-is.
func encodeLog(name string, data []byte) ([]byte, string) {
	if len(data) < compressThreshold {
		return data, name
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, name
	}
	return compressed, name + ".zst"
}

func decodeLog(compressed []byte) ([]byte, error) {
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return data, nil
}
