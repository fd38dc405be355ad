package suggest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// encodePatch serializes p as zstd-compressed JSON.
func encodePatch(p Patch) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling patch: %w", err)
	}

	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := encoder.Write(raw); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("compressing patch: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}
	return compressed.Bytes(), nil
}

func decodePatch(blob []byte) (Patch, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(blob))
	if err != nil {
		return Patch{}, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return Patch{}, fmt.Errorf("decompressing patch: %w", err)
	}

	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return Patch{}, fmt.Errorf("parsing patch: %w", err)
	}
	return p, nil
}
