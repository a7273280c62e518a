//go:build !sonic

// Package codec provides the JSON encoder used across driftbox. The default
// build uses goccy/go-json; builds tagged `sonic` swap in bytedance/sonic.
package codec

import (
	"io"

	"github.com/goccy/go-json"
)

var JSONMarshal = json.Marshal
var JSONUnmarshal = json.Unmarshal

func JSONEncode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func JSONDecode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
