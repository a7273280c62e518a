//go:build sonic

package codec

import (
	"io"

	"github.com/bytedance/sonic"
)

var JSONMarshal = sonic.Marshal
var JSONUnmarshal = sonic.Unmarshal

func JSONEncode(w io.Writer, v any) error {
	return sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func JSONDecode(r io.Reader, v any) error {
	return sonic.ConfigDefault.NewDecoder(r).Decode(v)
}
