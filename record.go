package ldapstream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// defaultBinaryAttrs are attribute types whose values are binary rather than
// text on every common directory server.
var defaultBinaryAttrs = map[string]bool{
	"objectguid":           true,
	"objectsid":            true,
	"ntsecuritydescriptor": true,
	"thumbnailphoto":       true,
	"jpegphoto":            true,
	"usercertificate":      true,
	"cacertificate":        true,
	"krbprincipalkey":      true,
}

// Attribute is one attribute of a Record: the declared name including any
// options, the ordered value list, and the value kind.
type Attribute struct {
	Name       string   // declared name, original casing, options preserved
	Values     []string // text values, in wire order
	ByteValues [][]byte // raw values, in wire order
	Binary     bool
}

// baseName returns the attribute type with any options (";binary",
// ";range=...") stripped, lowercased.
func (a *Attribute) baseName() string {
	name := a.Name
	if idx := strings.IndexByte(name, ';'); idx != -1 {
		name = name[:idx]
	}
	return strings.ToLower(name)
}

// Record is one directory entry: a distinguished name plus a case-insensitive
// ordered attribute map. Attribute lookups ignore case; the declared casing
// is preserved for the JSON projection.
type Record struct {
	DN string

	attrs        map[string]*Attribute // key: lowercased declared name
	order        []string              // lowercased declared names, wire order
	preserveCase bool
}

// newRecord wraps a raw wire entry.
func newRecord(entry *ldap.Entry, cfg *Config) *Record {
	rec := &Record{
		DN:           entry.DN,
		attrs:        make(map[string]*Attribute, len(entry.Attributes)),
		preserveCase: cfg == nil || cfg.PreserveCase,
	}

	extraBinary := map[string]bool{}
	if cfg != nil {
		for _, name := range cfg.BinaryAttrs {
			extraBinary[strings.ToLower(name)] = true
		}
	}

	for _, raw := range entry.Attributes {
		attr := &Attribute{
			Name:       raw.Name,
			Values:     raw.Values,
			ByteValues: raw.ByteValues,
		}

		base := attr.baseName()
		attr.Binary = defaultBinaryAttrs[base] ||
			extraBinary[base] ||
			strings.Contains(strings.ToLower(raw.Name), ";binary")

		key := strings.ToLower(raw.Name)
		if _, dup := rec.attrs[key]; !dup {
			rec.order = append(rec.order, key)
		}
		rec.attrs[key] = attr
	}

	return rec
}

// Attribute returns the attribute declared under name (case-insensitive,
// exact match including options), or nil.
func (r *Record) Attribute(name string) *Attribute {
	return r.attrs[strings.ToLower(name)]
}

// attributeByBase returns the first attribute whose type matches name once
// options are stripped. Used to find ranged variants like "member;range=0-1499".
func (r *Record) attributeByBase(name string) *Attribute {
	lower := strings.ToLower(name)

	if attr, ok := r.attrs[lower]; ok {
		return attr
	}

	for _, key := range r.order {
		if r.attrs[key].baseName() == lower {
			return r.attrs[key]
		}
	}

	return nil
}

// Has reports whether the record carries an attribute of the given type,
// under any declared options.
func (r *Record) Has(name string) bool {
	return r.attributeByBase(name) != nil
}

// Value returns the first value of an attribute, or the empty string.
func (r *Record) Value(name string) string {
	if attr := r.Attribute(name); attr != nil && len(attr.Values) > 0 {
		return attr.Values[0]
	}
	return ""
}

// Values returns all values of an attribute, in wire order.
func (r *Record) Values(name string) []string {
	if attr := r.Attribute(name); attr != nil {
		return attr.Values
	}
	return nil
}

// Bytes returns the first raw value of an attribute, or nil.
func (r *Record) Bytes(name string) []byte {
	if attr := r.Attribute(name); attr != nil && len(attr.ByteValues) > 0 {
		return attr.ByteValues[0]
	}
	return nil
}

// SetValues replaces the values of an attribute, creating it when absent.
// Intended for caller-supplied transform hooks.
func (r *Record) SetValues(name string, values []string) {
	key := strings.ToLower(name)

	if attr, ok := r.attrs[key]; ok {
		attr.Values = values
		attr.ByteValues = nil
		return
	}

	r.attrs[key] = &Attribute{Name: name, Values: values}
	r.order = append(r.order, key)
}

// Attributes returns the record's attributes in wire order.
func (r *Record) Attributes() []*Attribute {
	out := make([]*Attribute, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.attrs[key])
	}
	return out
}

// ObjectGUID decodes the objectGUID attribute from Active Directory's
// mixed-endian byte layout into a standard UUID.
func (r *Record) ObjectGUID() (uuid.UUID, error) {
	raw := r.Bytes("objectGUID")
	if len(raw) != 16 {
		return uuid.Nil, fmt.Errorf("objectGUID attribute missing or malformed")
	}

	// Data1-Data3 are little-endian on the wire, Data4 is big-endian.
	reordered := []byte{
		raw[3], raw[2], raw[1], raw[0],
		raw[5], raw[4],
		raw[7], raw[6],
		raw[8], raw[9], raw[10], raw[11], raw[12], raw[13], raw[14], raw[15],
	}

	return uuid.FromBytes(reordered)
}

// ObjectSID decodes the binary objectSid attribute into S-1-5-21-... form.
func (r *Record) ObjectSID() (string, error) {
	raw := r.Bytes("objectSid")
	if len(raw) == 0 {
		return "", fmt.Errorf("objectSid attribute missing")
	}

	sid := objectsid.Decode(raw)
	return sid.String(), nil
}

// MarshalJSON projects the record: single-valued attributes as scalars,
// multi-valued as arrays, binary values as base64 text. The declared
// attribute casing is kept unless the client disables case preservation.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeKey := func(key string) error {
		encoded, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		buf.WriteByte(':')
		return nil
	}

	if err := writeKey("dn"); err != nil {
		return nil, err
	}
	dn, err := json.Marshal(r.DN)
	if err != nil {
		return nil, err
	}
	buf.Write(dn)

	for _, key := range r.order {
		attr := r.attrs[key]

		name := attr.Name
		if !r.preserveCase {
			name = strings.ToLower(name)
		}

		buf.WriteByte(',')
		if err := writeKey(name); err != nil {
			return nil, err
		}

		values := attr.projectedValues()
		var encoded []byte
		if len(values) == 1 {
			encoded, err = json.Marshal(values[0])
		} else {
			encoded, err = json.Marshal(values)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// projectedValues renders the attribute values for JSON: base64 for binary,
// verbatim text otherwise.
func (a *Attribute) projectedValues() []string {
	if !a.Binary {
		return a.Values
	}

	raw := a.ByteValues
	if len(raw) == 0 {
		// Fall back to text values re-encoded as bytes.
		raw = make([][]byte, len(a.Values))
		for i, v := range a.Values {
			raw[i] = []byte(v)
		}
	}

	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = base64.StdEncoding.EncodeToString(b)
	}
	return out
}
