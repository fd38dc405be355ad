// Package cas provides the content hashing used across vibetap: BLAKE3
// digests, file checksums and canonical JSON for hash-stable payloads.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// ChecksumPrefix tags every checksum so the algorithm can change without
// old records being misread as matching.
const ChecksumPrefix = "b3:"

// AbsentChecksum is the checksum of a path that does not exist.
const AbsentChecksum = ""

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Blake3Hash computes a BLAKE3 hash of the input and returns it as bytes.
func Blake3Hash(data []byte) []byte {
	hash := blake3.Sum256(data)
	return hash[:]
}

// Blake3HashHex computes a BLAKE3 hash and returns it as a hex string.
func Blake3HashHex(data []byte) string {
	return hex.EncodeToString(Blake3Hash(data))
}

// Checksum returns the prefixed checksum of content.
func Checksum(content []byte) string {
	return ChecksumPrefix + Blake3HashHex(content)
}

// FileChecksum returns the checksum of the file at path, or AbsentChecksum
// when the file does not exist.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return AbsentChecksum, nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return ChecksumPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// ContentID computes a typed content address: blake3(kind + "\n" + canonicalJSON(payload)).
func ContentID(kind string, payload interface{}) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	data := append([]byte(kind+"\n"), canonical...)
	return Blake3HashHex(data), nil
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering).
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var obj interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	return canonicalMarshal(obj)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return marshalSortedMap(val)
	case []interface{}:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
