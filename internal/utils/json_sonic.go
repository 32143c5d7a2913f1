//go:build sonic

package utils

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	JSONMarshal   = sonic.Marshal
	JSONUnmarshal = sonic.Unmarshal
)

func JSONMarshalIndent(v any) ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(v, "", "  ")
}

func JSONEncode(w io.Writer, v any) error {
	enc := sonic.ConfigStd.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
