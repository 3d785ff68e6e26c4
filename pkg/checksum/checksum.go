// ABOUTME: Deterministic SHA-256 content checksums over a canonical JSON encoding
// ABOUTME: Used for integrity verification and no-op edit detection

package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/nainya/govlifecycle/pkg/version"
)

// EncodingError reports content that cannot be canonicalized for hashing.
type EncodingError struct {
	Path string
	Err  error
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("checksum: cannot canonicalize content: %v", e.Err)
	}
	return fmt.Sprintf("checksum: cannot canonicalize content at %s: %v", e.Path, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// canonicalContent fixes field order; Fields are written by writeValue.
type canonicalContent struct {
	Format string          `json:"format"`
	Text   string          `json:"text"`
	Fields json.RawMessage `json:"fields"`
	Blob   *canonicalBlob  `json:"blob"`
}

type canonicalBlob struct {
	URI       string `json:"uri"`
	FileName  string `json:"fileName"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
}

// Canonical returns the byte encoding that Compute hashes. Text is kept
// verbatim, so whitespace-only edits change the encoding.
func Canonical(c version.Content) ([]byte, error) {
	if !utf8.ValidString(c.Text) {
		return nil, &EncodingError{Path: "text", Err: fmt.Errorf("invalid UTF-8")}
	}

	var fields bytes.Buffer
	if err := writeValue(&fields, "fields", normalizeFields(c.Fields)); err != nil {
		return nil, err
	}

	cc := canonicalContent{
		Format: string(c.Format),
		Text:   c.Text,
		Fields: fields.Bytes(),
	}
	if c.Blob != nil {
		for path, s := range map[string]string{
			"blob.uri": c.Blob.URI, "blob.fileName": c.Blob.FileName,
			"blob.mediaType": c.Blob.MediaType, "blob.checksum": c.Blob.Checksum,
		} {
			if !utf8.ValidString(s) {
				return nil, &EncodingError{Path: path, Err: fmt.Errorf("invalid UTF-8")}
			}
		}
		cc.Blob = &canonicalBlob{
			URI:       c.Blob.URI,
			FileName:  c.Blob.FileName,
			MediaType: c.Blob.MediaType,
			Size:      c.Blob.Size,
			Checksum:  c.Blob.Checksum,
		}
	}

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cc); err != nil {
		return nil, &EncodingError{Err: err}
	}
	return bytes.TrimRight(out.Bytes(), "\n"), nil
}

// Compute returns the lowercase hex SHA-256 of the canonical encoding.
func Compute(c version.Content) (string, error) {
	data, err := Canonical(c)
	if err != nil {
		return "", err
	}
	return Bytes(data), nil
}

// Bytes hashes a raw payload, e.g. a blob before it is handed to the blob store.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the checksum of v's content and compares it with the
// stored value. A mismatch is returned as *version.IntegrityError.
func Verify(v *version.Version) error {
	computed, err := Compute(v.Content)
	if err != nil {
		return fmt.Errorf("verify version %s: %w", v.ID, err)
	}
	if computed != v.Checksum {
		return &version.IntegrityError{VersionID: v.ID, Stored: v.Checksum, Computed: computed}
	}
	return nil
}

// normalizeFields treats a nil map and an empty map as the same content.
func normalizeFields(f map[string]any) any {
	if len(f) == 0 {
		return nil
	}
	return f
}

// writeValue emits JSON with sorted object keys at every depth and refuses
// values that have no stable encoding.
func writeValue(buf *bytes.Buffer, path string, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		if !utf8.ValidString(val) {
			return &EncodingError{Path: path, Err: fmt.Errorf("invalid UTF-8")}
		}
		return writeJSON(buf, path, val)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return &EncodingError{Path: path, Err: fmt.Errorf("non-finite number")}
		}
		return writeJSON(buf, path, val)
	case float32:
		return writeValue(buf, path, float64(val))
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return writeJSON(buf, path, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if !utf8.ValidString(k) {
				return &EncodingError{Path: path, Err: fmt.Errorf("invalid UTF-8 key")}
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, path, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, path+"."+k, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return writeValue(buf, path, m)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return writeValue(buf, path, items)
	default:
		return &EncodingError{Path: path, Err: fmt.Errorf("unsupported value type %T", v)}
	}
	return nil
}

func writeJSON(buf *bytes.Buffer, path string, v any) error {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return &EncodingError{Path: path, Err: err}
	}
	buf.Write(bytes.TrimRight(out.Bytes(), "\n"))
	return nil
}
