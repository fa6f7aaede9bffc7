// Package integrity computes and checks content hashes over canonical
// payload serializations.
//
// Payloads are self-describing JSON objects. Canonicalization sorts
// object keys and normalizes number literals so that semantically
// identical records hash identically regardless of which site produced
// them. Hashes are checked at two points: when a client pulls a queue
// item (detects transport corruption) and when the server receives a
// push (detects tampering or client-side corruption).
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tillsync/tillsync/internal/model"
)

// Canonicalize returns the canonical serialization of a JSON payload:
// object keys sorted, insignificant whitespace removed, and numbers
// rendered in a single normalized form.
func Canonicalize(payload json.RawMessage) ([]byte, error) {
	// Deletes carry no payload; canonicalize the absence as null so
	// they still hash.
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 of the payload's canonical form.
func Hash(payload json.RawMessage) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the payload's hash and compares it against the
// declared hash. A mismatch returns model.ErrIntegrityMismatch; the
// caller flags the record as errored rather than retrying, since
// resubmitting corrupted data is pointless.
func Verify(payload json.RawMessage, declared string) error {
	actual, err := Hash(payload)
	if err != nil {
		return err
	}
	if actual != declared {
		return fmt.Errorf("declared %s, computed %s: %w",
			declared, actual, model.ErrIntegrityMismatch)
	}
	return nil
}

// writeCanonical renders one decoded JSON value in canonical form.
func writeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")

	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case string:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode string: %w", err)
		}
		buf.Write(data)

	case json.Number:
		buf.WriteString(normalizeNumber(v))

	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyData, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("failed to encode key: %w", err)
			}
			buf.Write(keyData)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	default:
		return fmt.Errorf("unsupported payload value type %T", value)
	}
	return nil
}

// normalizeNumber renders a JSON number so that equal values produce
// equal literals: integers without a fractional part, everything else
// in Go's shortest float form.
func normalizeNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil {
		// Out-of-range literal, keep it verbatim.
		return n.String()
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
