package json

// Raw is a raw encoded JSON value. It implements Marshaler and Unmarshaler and
// can be used to delay JSON decoding until the op code is known.
type Raw []byte

// MarshalJSON returns m as the JSON encoding of m. A nil Raw is encoded as
// null.
func (m Raw) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON copies data into m, reusing its backing array.
func (m *Raw) UnmarshalJSON(data []byte) error {
	*m = append((*m)[0:0], data...)
	return nil
}

// UnmarshalTo unmarshals m into v with the default driver. A null or empty Raw
// leaves v untouched.
func (m Raw) UnmarshalTo(v interface{}) error {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return Unmarshal(m, v)
}

func (m Raw) String() string {
	return string(m)
}
