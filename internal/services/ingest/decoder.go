package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

// ErrDecode is matched by every decode failure.
var ErrDecode = errors.New("decode")

// DecodeError tells why a payload was rejected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

const timestampKey = "timestamp"

var nodeKeys = map[string]bool{"node_id": true, "nodeId": true, "node": true}

// Decode parses a UTF-8 JSON object into a TelemetryRecord. now stamps
// records that carry no timestamp of their own.
func Decode(payload []byte, now func() time.Time) (model.TelemetryRecord, error) {
	if !utf8.Valid(payload) {
		return model.TelemetryRecord{}, &DecodeError{Reason: "payload is not valid UTF-8"}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return model.TelemetryRecord{}, &DecodeError{Reason: "malformed JSON", Err: err}
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return model.TelemetryRecord{}, &DecodeError{Reason: "top level is not an object"}
	}

	var rec model.TelemetryRecord
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return model.TelemetryRecord{}, &DecodeError{Reason: "malformed JSON", Err: err}
		}

		switch {
		case key == timestampKey:
			v, err := readValue(dec)
			if err != nil {
				return model.TelemetryRecord{}, &DecodeError{Reason: "malformed JSON", Err: err}
			}
			ts, ok := v.(json.Number)
			if !ok {
				return model.TelemetryRecord{}, &DecodeError{Reason: "timestamp is not a number"}
			}
			f, err := ts.Float64()
			if err != nil {
				return model.TelemetryRecord{}, &DecodeError{Reason: "timestamp out of range", Err: err}
			}
			rec.Timestamp = normalizeEpoch(f)
			rec.Stamped = true

		case nodeKeys[key]:
			v, err := readValue(dec)
			if err != nil {
				return model.TelemetryRecord{}, &DecodeError{Reason: "malformed JSON", Err: err}
			}
			switch id := v.(type) {
			case string:
				rec.NodeID = strings.TrimSpace(id)
			case json.Number:
				rec.NodeID = id.String()
			}

		default:
			r, keep, err := readReading(dec, key)
			if err != nil {
				return model.TelemetryRecord{}, &DecodeError{Reason: "malformed JSON", Err: err}
			}
			rec.Readings = put(rec.Readings, key, r, keep)
		}
	}
	if _, err := dec.Token(); err != nil {
		return model.TelemetryRecord{}, &DecodeError{Reason: "malformed JSON", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return model.TelemetryRecord{}, &DecodeError{Reason: "trailing data after object"}
	}

	if len(rec.Readings) == 0 {
		return model.TelemetryRecord{}, &DecodeError{Reason: "no sensor readings"}
	}
	if !rec.Stamped {
		rec.Timestamp = model.Seconds(now())
	}
	return rec, nil
}

// normalizeEpoch accepts milliseconds from producers that send them.
func normalizeEpoch(f float64) float64 {
	if f > 1e12 {
		return f / 1000
	}
	return f
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("unexpected token %v", tok)
	}
	return key, nil
}

// readValue consumes a whole value; objects and arrays are returned as
// generic structures.
func readValue(dec *json.Decoder) (any, error) {
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// readReading consumes the value under name. keep is false for values that
// carry no number (strings, nulls, empty groups).
func readReading(dec *json.Decoder, name string) (model.Reading, bool, error) {
	tok, err := dec.Token()
	if err != nil {
		return model.Reading{}, false, err
	}

	switch v := tok.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return model.Reading{}, false, err
		}
		return model.Reading{Name: name, Value: f}, true, nil
	case bool:
		if v {
			return model.Reading{Name: name, Value: 1}, true, nil
		}
		return model.Reading{Name: name, Value: 0}, true, nil
	case json.Delim:
		var group model.Readings
		switch v {
		case '{':
			for dec.More() {
				key, err := readKey(dec)
				if err != nil {
					return model.Reading{}, false, err
				}
				r, keep, err := readReading(dec, key)
				if err != nil {
					return model.Reading{}, false, err
				}
				group = put(group, key, r, keep)
			}
		case '[':
			for i := 0; dec.More(); i++ {
				r, keep, err := readReading(dec, strconv.Itoa(i))
				if err != nil {
					return model.Reading{}, false, err
				}
				if keep {
					group = append(group, r)
				}
			}
		}
		// closing delimiter
		if _, err := dec.Token(); err != nil {
			return model.Reading{}, false, err
		}
		if len(group) == 0 {
			return model.Reading{}, false, nil
		}
		return model.Reading{Name: name, Group: group}, true, nil
	default:
		// string or null
		return model.Reading{}, false, nil
	}
}

// put stores r under name. A repeated key keeps its first position and
// takes the last value; a last value that is not a reading removes it.
func put(rs model.Readings, name string, r model.Reading, keep bool) model.Readings {
	for i := range rs {
		if rs[i].Name != name {
			continue
		}
		if keep {
			rs[i] = r
			return rs
		}
		return append(rs[:i], rs[i+1:]...)
	}
	if keep {
		rs = append(rs, r)
	}
	return rs
}
