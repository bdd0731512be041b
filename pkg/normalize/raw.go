package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// RawAttack is one record of a stream frame, as the upstream sends it.
type RawAttack struct {
	SourceCountryCode      string          `json:"Source Country Code"`
	SourceCountryName      string          `json:"Source Country Name"`
	SourceLatitude         NullableFloat   `json:"Source Latitude"`
	SourceLongitude        NullableFloat   `json:"Source Longitude"`
	DestinationCountryCode string          `json:"Destination Country Code"`
	DestinationCountryName string          `json:"Destination Country Name"`
	DestinationLatitude    NullableFloat   `json:"Destination Latitude"`
	DestinationLongitude   NullableFloat   `json:"Destination Longitude"`
	AttackCount            json.RawMessage `json:"Attack Count"` // number, string or null
	AttackTypes            json.RawMessage `json:"Attack Types"` // array of strings, or a single string
	Timestamp              json.RawMessage `json:"Timestamp"`    // date-time string or Unix number
}

// RawMaliciousIP is one record of the snapshot response.
type RawMaliciousIP struct {
	IP        string          `json:"ip"`
	Latitude  NullableFloat   `json:"latitude"`
	Longitude NullableFloat   `json:"longitude"`
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// NullableFloat is a JSON number that may be null, absent, or quoted.
// Anything it cannot read as a number is treated as absent.
type NullableFloat struct {
	Value float64
	Valid bool
}

// Float returns a present value.
func Float(v float64) NullableFloat {
	return NullableFloat{Value: v, Valid: true}
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *NullableFloat) UnmarshalJSON(data []byte) error {
	*n = NullableFloat{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*n = Float(num)
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			*n = Float(v)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n NullableFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// OrZero returns the value, or 0 when absent.
func (n NullableFloat) OrZero() float64 {
	if !n.Valid {
		return 0
	}
	return n.Value
}

// rawString renders a JSON scalar (number or string) as a string.
// Null, absent, and non-scalar values become "".
func rawString(data json.RawMessage) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ""
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return str
	}

	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&num); err == nil {
		return num.String()
	}
	return ""
}

// rawStrings reads a list of strings. A bare string is a one-element list.
func rawStrings(data json.RawMessage) []string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, elem := range list {
			if s := rawString(elem); s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	if s := rawString(data); s != "" {
		return []string{s}
	}
	return nil
}
