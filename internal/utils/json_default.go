//go:build !sonic

package utils

import (
	"io"

	"github.com/goccy/go-json"
)

// JSON codec shared by the REST adapters and report rendering.
// Build with -tags sonic to switch to bytedance/sonic.
var (
	JSONMarshal   = json.Marshal
	JSONUnmarshal = json.Unmarshal
)

func JSONMarshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func JSONEncode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
