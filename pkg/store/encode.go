package store

import "github.com/ajitpratap0/geodoc/pkg/geo"

// Encode returns a copy of doc in which every geo value, at any depth, is replaced by its
// store GeoJSON encoding. Drivers call it before persisting a document.
func Encode(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case geo.Value:
		return t.GeoJSON()
	case geo.Geometry:
		if t.Value == nil {
			return nil
		}
		return t.Value.GeoJSON()
	case map[string]interface{}:
		return Encode(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}
