package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// heightPrefix namespaces committed-height keys so a prefix scan never
// wanders into the single "latest" marker key.
const heightPrefix = byte(0x01)

func heightKey(h uint64) []byte {
	var k [9]byte
	k[0] = heightPrefix
	binary.BigEndian.PutUint64(k[1:], h)
	return k[:]
}
