// Package xjson is the single JSON import site; everything encodes through
// goccy/go-json.
package xjson

import (
	"io"

	gjson "github.com/goccy/go-json"
)

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

func NewEncoder(w io.Writer) *gjson.Encoder {
	return gjson.NewEncoder(w)
}

func NewDecoder(r io.Reader) *gjson.Decoder {
	return gjson.NewDecoder(r)
}

// Convert re-types in through its JSON form. Event data and contract inputs
// come back from a store or a wire as generic maps; Convert turns them into
// the struct they started as.
func Convert(in, out interface{}) error {
	data, err := gjson.Marshal(in)
	if err != nil {
		return err
	}
	return gjson.Unmarshal(data, out)
}
