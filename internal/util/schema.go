package util

import (
	"reflect"
	"strings"

	"github.com/hupe1980/agentbus/core"
)

// SchemaFor derives a SchemaDescriptor from a Go value using reflection.
// Struct fields map to object fields named by their json tag (falling back to
// the Go field name); fields tagged `json:"-"` and unexported fields are
// skipped. Types without a structural mapping collapse to SchemaAny.
//
// This is a convenience for declaring capability shapes from the request and
// response types a handler already defines:
//
//	cap := core.Capability{
//		Name:   "product.search",
//		Input:  util.SchemaFor(SearchRequest{}),
//		Output: util.SchemaFor(SearchResponse{}),
//	}
func SchemaFor(v any) core.SchemaDescriptor {
	return schemaForType(reflect.TypeOf(v))
}

func schemaForType(t reflect.Type) core.SchemaDescriptor {
	if t == nil {
		return core.SchemaDescriptor{Kind: core.SchemaAny}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return core.SchemaDescriptor{Kind: core.SchemaString}
	case reflect.Bool:
		return core.SchemaDescriptor{Kind: core.SchemaBool}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return core.SchemaDescriptor{Kind: core.SchemaNumber}
	case reflect.Slice, reflect.Array:
		items := schemaForType(t.Elem())
		return core.SchemaDescriptor{Kind: core.SchemaArray, Items: &items}
	case reflect.Struct:
		fields := make(map[string]core.SchemaDescriptor)
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := fieldName(f)
			if name == "" {
				continue
			}
			fields[name] = schemaForType(f.Type)
		}
		return core.SchemaDescriptor{Kind: core.SchemaObject, Fields: fields}
	default:
		// maps, interfaces, channels and funcs have no structural mapping
		return core.SchemaDescriptor{Kind: core.SchemaAny}
	}
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}
