package pkl

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Value tags of the evaluator's binary result encoding.  Every composite
// value is a message-pack array whose first element is one of these tags;
// primitive message-pack values pass through untagged.
const (
	tagTypedDynamic = 0x1
	tagMap          = 0x2
	tagMapping      = 0x3
	tagList         = 0x4
	tagListing      = 0x5
	tagSet          = 0x6
	tagDuration     = 0x7
	tagDataSize     = 0x8
	tagPair         = 0x9
	tagIntSeq       = 0xA
	tagRegex        = 0xB
	tagClass        = 0xC
	tagTypeAlias    = 0xD
	tagProperty     = 0x10
	tagEntry        = 0x11
	tagElement      = 0x12
)

// Decoder transforms evaluation results into host values.
//
// Instances of user-declared classes decode in one of two modes.  In
// dynamic mode (the default) they become *Object values whose class shapes
// are interned per (short class name, member names): two objects that share
// a class name but differ in members get distinct classes, so neither loses
// fields.  In namespace mode, configured with WithNamespace, the short class
// name selects a registered Go struct type which is filled positionally in
// declared member order.
//
// A Decoder is safe for concurrent use.
type Decoder struct {
	namespace     map[string]reflect.Type
	forceElements bool

	mu      sync.Mutex
	classes map[string]*ObjectClass
}

type DecoderOption interface {
	apply(*Decoder)
}

type decoderOptionFunc func(*Decoder)

func (f decoderOptionFunc) apply(d *Decoder) { f(d) }

// WithNamespace registers host types for decoded classes.  Keys are short
// class names; values are struct values (or pointers to them) whose fields,
// in declaration order, receive the class members.  With a namespace set,
// an unregistered class name is a SchemaError.
func WithNamespace(types map[string]any) DecoderOption {
	return decoderOptionFunc(func(d *Decoder) {
		d.namespace = make(map[string]reflect.Type, len(types))
		for name, v := range types {
			t := reflect.TypeOf(v)
			for t.Kind() == reflect.Pointer {
				t = t.Elem()
			}
			d.namespace[name] = t
		}
	})
}

// ForceElements makes objects that mix elements with properties or entries
// decode to their elements instead of failing; the properties are
// discarded.
func ForceElements() DecoderOption {
	return decoderOptionFunc(func(d *Decoder) { d.forceElements = true })
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		classes: make(map[string]*ObjectClass),
	}
	for _, opt := range opts {
		opt.apply(d)
	}
	return d
}

// Decode parses one binary evaluation result into a host value.
func (d *Decoder) Decode(payload []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	return d.decodeValue(dec)
}

func (d *Decoder) decodeValue(dec *msgpack.Decoder) (any, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("truncated result payload: %v", err)}
	}

	switch {
	case isArrayCode(c):
		return d.decodeTagged(dec)
	case isMapCode(c):
		return d.decodeMapBody(dec)
	case msgpcode.IsString(c):
		return dec.DecodeString()
	case msgpcode.IsBin(c):
		return dec.DecodeBytes()
	case c == msgpcode.Nil:
		return nil, dec.DecodeNil()
	case c == msgpcode.True || c == msgpcode.False:
		return dec.DecodeBool()
	case c == msgpcode.Float || c == msgpcode.Double:
		return dec.DecodeFloat64()
	case isIntCode(c):
		return dec.DecodeInt64()
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("unsupported value code %#x in result payload", c)}
	}
}

func (d *Decoder) decodeTagged(dec *msgpack.Decoder) (any, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed value: %v", err)}
	}
	if n < 1 {
		return nil, &ProtocolError{Message: "malformed value: empty tagged array"}
	}
	tag, err := dec.DecodeInt64()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed value tag: %v", err)}
	}

	switch tag {
	case tagTypedDynamic:
		return d.decodeTypedDynamic(dec, n)
	case tagMap, tagMapping:
		if err := checkShape(tag, n, 2); err != nil {
			return nil, err
		}
		if tag == tagMap {
			return d.decodeMapBody(dec)
		}
		return d.decodeMappingBody(dec)
	case tagList, tagListing:
		if err := checkShape(tag, n, 2); err != nil {
			return nil, err
		}
		return d.decodeListBody(dec)
	case tagSet:
		if err := checkShape(tag, n, 2); err != nil {
			return nil, err
		}
		elems, err := d.decodeListBody(dec)
		if err != nil {
			return nil, err
		}
		return &Set{Elements: elems}, nil
	case tagDuration:
		if err := checkShape(tag, n, 3); err != nil {
			return nil, err
		}
		value, err := d.decodeNumber(dec)
		if err != nil {
			return nil, err
		}
		unit, err := dec.DecodeString()
		if err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("malformed duration unit: %v", err)}
		}
		return Duration{Value: value, Unit: DurationUnit(unit)}, nil
	case tagDataSize:
		if err := checkShape(tag, n, 3); err != nil {
			return nil, err
		}
		value, err := d.decodeNumber(dec)
		if err != nil {
			return nil, err
		}
		unit, err := dec.DecodeString()
		if err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("malformed data size unit: %v", err)}
		}
		return DataSize{Value: value, Unit: DataSizeUnit(unit)}, nil
	case tagPair:
		if err := checkShape(tag, n, 3); err != nil {
			return nil, err
		}
		first, err := d.decodeValue(dec)
		if err != nil {
			return nil, err
		}
		second, err := d.decodeValue(dec)
		if err != nil {
			return nil, err
		}
		return Pair{First: first, Second: second}, nil
	case tagIntSeq:
		if err := checkShape(tag, n, 4); err != nil {
			return nil, err
		}
		var seq IntSeq
		for _, p := range []*int64{&seq.Start, &seq.End, &seq.Step} {
			if *p, err = dec.DecodeInt64(); err != nil {
				return nil, &ProtocolError{Message: fmt.Sprintf("malformed int seq: %v", err)}
			}
		}
		return seq, nil
	case tagRegex:
		if err := checkShape(tag, n, 2); err != nil {
			return nil, err
		}
		pattern, err := dec.DecodeString()
		if err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("malformed regex: %v", err)}
		}
		return Regex{Pattern: pattern}, nil
	case tagClass, tagTypeAlias:
		// Schema metadata only; nothing to represent at runtime.
		for i := 1; i < n; i++ {
			if err := dec.Skip(); err != nil {
				return nil, &ProtocolError{Message: fmt.Sprintf("malformed value: %v", err)}
			}
		}
		return nil, nil
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("unknown value tag %#x", tag)}
	}
}

// objectMember is one Property or Entry of a typed dynamic value.
type objectMember struct {
	name  string
	value any
}

func (d *Decoder) decodeTypedDynamic(dec *msgpack.Decoder, n int) (any, error) {
	if err := checkShape(tagTypedDynamic, n, 4); err != nil {
		return nil, err
	}
	fullName, err := dec.DecodeString()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed class name: %v", err)}
	}
	moduleURI, err := dec.DecodeString()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed module uri: %v", err)}
	}

	memberCount, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed member list: %v", err)}
	}

	type indexedElement struct {
		index int64
		value any
	}

	var props []objectMember
	var elems []indexedElement
	for i := 0; i < memberCount; i++ {
		mn, err := dec.DecodeArrayLen()
		if err != nil || mn != 3 {
			return nil, &ProtocolError{Message: "malformed object member"}
		}
		memberTag, err := dec.DecodeInt64()
		if err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("malformed member tag: %v", err)}
		}

		switch memberTag {
		case tagProperty, tagEntry:
			key, err := d.decodeValue(dec)
			if err != nil {
				return nil, err
			}
			value, err := d.decodeValue(dec)
			if err != nil {
				return nil, err
			}
			props = append(props, objectMember{name: memberName(key), value: value})
		case tagElement:
			index, err := dec.DecodeInt64()
			if err != nil {
				return nil, &ProtocolError{Message: fmt.Sprintf("malformed element index: %v", err)}
			}
			value, err := d.decodeValue(dec)
			if err != nil {
				return nil, err
			}
			elems = append(elems, indexedElement{index: index, value: value})
		default:
			return nil, &ProtocolError{Message: fmt.Sprintf("unknown member tag %#x", memberTag)}
		}
	}

	shortName := shortClassName(fullName)

	if len(elems) > 0 {
		if len(props) > 0 && !d.forceElements {
			return nil, errMixedMembership(shortName)
		}
		// Elements in index order; any properties are discarded.
		sort.SliceStable(elems, func(i, j int) bool { return elems[i].index < elems[j].index })
		values := make([]any, len(elems))
		for i, e := range elems {
			values[i] = e.value
		}
		return values, nil
	}

	if d.namespace != nil {
		return d.instantiate(shortName, props)
	}
	return d.newObject(shortName, fullName, moduleURI, props), nil
}

// newObject builds a dynamic object, interning its class shape.  The cache
// key is the short name plus the full member tuple, never the name alone:
// objects that share a name but not a shape must not share a class.
func (d *Decoder) newObject(shortName, fullName, moduleURI string, props []objectMember) *Object {
	members := make([]string, len(props))
	values := make([]any, len(props))
	index := make(map[string]int, len(props))
	for i, p := range props {
		members[i] = p.name
		values[i] = p.value
		index[p.name] = i
	}

	key := shortName + "\x00" + strings.Join(members, "\x00")

	d.mu.Lock()
	class, ok := d.classes[key]
	if !ok {
		class = &ObjectClass{Name: shortName, FullName: fullName, Members: members}
		d.classes[key] = class
	}
	d.mu.Unlock()

	return &Object{
		class:     class,
		moduleURI: moduleURI,
		values:    values,
		index:     index,
	}
}

// instantiate fills a registered struct type with the decoded members, in
// declared order.
func (d *Decoder) instantiate(shortName string, props []objectMember) (any, error) {
	typ, ok := d.namespace[shortName]
	if !ok {
		return nil, errUnknownClass(shortName)
	}
	if typ.Kind() != reflect.Struct {
		return nil, &SchemaError{Message: fmt.Sprintf("registered type for class %q is not a struct", shortName)}
	}
	if typ.NumField() != len(props) {
		return nil, &SchemaError{Message: fmt.Sprintf(
			"class %q has %d members but %s has %d fields", shortName, len(props), typ, typ.NumField())}
	}

	v := reflect.New(typ).Elem()
	for i, p := range props {
		if err := assignMember(v.Field(i), p.value); err != nil {
			return nil, &SchemaError{Message: fmt.Sprintf(
				"member %q of class %q: %v", p.name, shortName, err)}
		}
	}
	return v.Addr().Interface(), nil
}

func assignMember(field reflect.Value, value any) error {
	if value == nil {
		return nil
	}
	if !field.CanSet() {
		return fmt.Errorf("field is unexported")
	}
	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(field.Type()) {
		field.Set(rv)
		return nil
	}
	if isNumericKind(rv.Kind()) && isNumericKind(field.Kind()) {
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func (d *Decoder) decodeMapBody(dec *msgpack.Decoder) (map[any]any, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed map: %v", err)}
	}
	out := make(map[any]any, n)
	for i := 0; i < n; i++ {
		key, err := d.decodeValue(dec)
		if err != nil {
			return nil, err
		}
		value, err := d.decodeValue(dec)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func (d *Decoder) decodeMappingBody(dec *msgpack.Decoder) (*Mapping, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed mapping: %v", err)}
	}
	out := newMapping(n)
	for i := 0; i < n; i++ {
		key, err := d.decodeValue(dec)
		if err != nil {
			return nil, err
		}
		value, err := d.decodeValue(dec)
		if err != nil {
			return nil, err
		}
		out.Put(key, value)
	}
	return out, nil
}

func (d *Decoder) decodeListBody(dec *msgpack.Decoder) ([]any, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed list: %v", err)}
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		if out[i], err = d.decodeValue(dec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *Decoder) decodeNumber(dec *msgpack.Decoder) (float64, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return 0, &ProtocolError{Message: fmt.Sprintf("malformed number: %v", err)}
	}
	if c == msgpcode.Float || c == msgpcode.Double {
		return dec.DecodeFloat64()
	}
	n, err := dec.DecodeInt64()
	if err != nil {
		return 0, &ProtocolError{Message: fmt.Sprintf("malformed number: %v", err)}
	}
	return float64(n), nil
}

// shortClassName extracts the lookup name from a full class name such as
// "repl:text#Animal" or "pkl.base#Dynamic".
func shortClassName(fullName string) string {
	s := fullName
	if i := strings.LastIndex(s, "#"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func memberName(key any) string {
	if s, ok := key.(string); ok {
		return s
	}
	return fmt.Sprint(key)
}

func checkShape(tag int64, got, want int) error {
	if got != want {
		return &ProtocolError{Message: fmt.Sprintf(
			"value tag %#x: expected %d elements, got %d", tag, want, got)}
	}
	return nil
}

func isArrayCode(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

func isMapCode(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}

func isIntCode(c byte) bool {
	return msgpcode.IsFixedNum(c) ||
		c == msgpcode.Uint8 || c == msgpcode.Uint16 || c == msgpcode.Uint32 || c == msgpcode.Uint64 ||
		c == msgpcode.Int8 || c == msgpcode.Int16 || c == msgpcode.Int32 || c == msgpcode.Int64
}
