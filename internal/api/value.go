package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags what a response body decoded to.
type Kind int

const (
	// KindEmpty is a 204, an empty body or a JSON null.
	KindEmpty Kind = iota
	KindJSON
	KindNumber
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindJSON:
		return "json"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	}
	return "unknown"
}

// Value is a decoded response body. The service mixes JSON objects, bare
// numbers and plain text across endpoints, so decoding is a cascade:
// JSON, then number, then raw text.
type Value struct {
	Kind Kind
	raw  json.RawMessage
	num  float64
	text string
}

// Number returns the numeric payload.
func (v Value) Number() (float64, bool) {
	return v.num, v.Kind == KindNumber
}

// Text returns the body as received for text values, or the raw JSON otherwise.
func (v Value) Text() string {
	switch v.Kind {
	case KindText:
		return v.text
	case KindJSON:
		return string(v.raw)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return ""
}

// Decode unmarshals a JSON value into dst. Empty values leave dst untouched.
func (v Value) Decode(dst any) error {
	switch v.Kind {
	case KindEmpty:
		return nil
	case KindJSON:
		if err := json.Unmarshal(v.raw, dst); err != nil {
			return fmt.Errorf("%w: %v", ErrDecodeAmbiguous, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: want json, got %s %q", ErrDecodeAmbiguous, v.Kind, truncate(v.Text(), 120))
	}
}

// decodeBody applies the cascade. The content type is not trusted: the
// service labels bare numbers as text/plain and JSON as either type, so every
// body goes JSON -> number -> text.
func decodeBody(body []byte) Value {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Value{Kind: KindEmpty}
	}

	if json.Valid(trimmed) {
		switch trimmed[0] {
		case 'n':
			return Value{Kind: KindEmpty}
		case '{', '[', '"', 't', 'f':
			return Value{Kind: KindJSON, raw: json.RawMessage(append([]byte(nil), trimmed...))}
		default:
			if f, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
				return Value{Kind: KindNumber, num: f}
			}
		}
	}

	if f, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		return Value{Kind: KindNumber, num: f}
	}

	return Value{Kind: KindText, text: string(trimmed)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
