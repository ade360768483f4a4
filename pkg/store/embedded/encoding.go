package embedded

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ajitpratap0/geodoc/pkg/store"
)

// encodeValue encodes v with msgpack, sorting map keys so equal documents encode to
// equal bytes.
func encodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return buf.Bytes(), nil
}

// decodeValue decodes msgpack data into ptr.
func decodeValue(data []byte, ptr interface{}) error {
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return fmt.Errorf("failed to decode msgpack into %T: %w", ptr, err)
	}
	return nil
}

func encodeDoc(doc store.Document) ([]byte, error) {
	return encodeValue(map[string]interface{}(doc))
}

func decodeDoc(data []byte) (store.Document, error) {
	var doc map[string]interface{}
	if err := decodeValue(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// numberLiteral is implemented by JSON number types.
type numberLiteral interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

// canonicalKey maps a primary key value to its storage key. Numbers of any Go type
// share one encoding so that int 2, int64 2 and float64 2 address the same row.
func canonicalKey(v interface{}) ([]byte, error) {
	switch k := v.(type) {
	case string:
		return []byte("s:" + k), nil
	case []byte:
		return append([]byte("b:"), k...), nil
	case numberLiteral:
		if n, err := k.Int64(); err == nil {
			return intKey(n), nil
		}
		if f, err := k.Float64(); err == nil {
			return canonicalKey(f)
		}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return intKey(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return []byte("i:" + strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return intKey(int64(f)), nil
		}
		return []byte("f:" + strconv.FormatFloat(f, 'g', -1, 64)), nil
	case reflect.String:
		return []byte("s:" + rv.String()), nil
	}
	return nil, fmt.Errorf("unsupported primary key type %T", v)
}

func intKey(n int64) []byte {
	return []byte("i:" + strconv.FormatInt(n, 10))
}
