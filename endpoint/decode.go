package endpoint

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds the byte length of any single decoded value unless
// the field carries its own maxLength tag.
var defaultFieldLimit = 16 * 1024

// maxBodyBytes bounds the request body read for `body` fields.
var maxBodyBytes int64 = 64 * 1024

// Unmarshal populates dst (must be a non-nil pointer to a struct) from the request.
//
// Supported struct tags, in precedence order:
//   - `path:"name"`: r.PathValue(name)
//   - `query:"name"`: r.URL.Query()
//   - `body:"name[,json]"`: the request body; non-string fields are decoded as
//     JSON and require a JSON content type
//   - `cookie:"name"`: the request cookie of that name
//   - `header:"name"`: the request header of that name
//   - `maxLength:"n"`: per-field byte limit (default 16KB, "0" for none)
//
// A tag value of "-" ignores the field. Untagged struct fields (including
// embedded ones) are decoded recursively. If no data is present for a field,
// it is left unchanged.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	return unmarshalStruct(r, root)
}

// sourceTag is one parsed `source:"name,flag"` tag.
type sourceTag struct {
	Source string
	Name   string
	JSON   bool
}

var sourceOrder = []string{"path", "query", "body", "cookie", "header"}

func unmarshalStruct(r *http.Request, structVal reflect.Value) error {
	t := structVal.Type()
	bodyField := ""
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fv := structVal.Field(i)

		var tags []sourceTag
		ignored := false
		for _, src := range sourceOrder {
			tag, ok, err := parseSourceTag(sf, src)
			if err != nil {
				return newEndpointError(http.StatusInternalServerError, "", "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
			}
			if !ok {
				continue
			}
			if tag.Name == "-" {
				ignored = true
				break
			}
			if src == "body" {
				if bodyField != "" {
					return newEndpointError(http.StatusInternalServerError, "", "", fmt.Errorf("endpoint: decode: multiple body fields: %s and %s", bodyField, sf.Name))
				}
				bodyField = sf.Name
				if !isStringOrBytes(sf.Type) {
					tag.JSON = true
				}
			}
			tags = append(tags, tag)
		}
		if ignored {
			continue
		}

		if len(tags) == 0 {
			// Recurse into untagged structs, including embedded ones.
			inner := fv
			if inner.Kind() == reflect.Pointer && inner.Type().Elem().Kind() == reflect.Struct {
				if inner.IsNil() {
					inner.Set(reflect.New(inner.Type().Elem()))
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct && !implementsTextUnmarshaler(inner) {
				if err := unmarshalStruct(r, inner); err != nil {
					return err
				}
			}
			continue
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, tag := range tags {
			raw, ok, err := fetch(r, tag)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if limit > 0 && len(raw) > limit {
				return newEndpointError(http.StatusBadRequest, "", "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, sf.Name, limit))
			}
			if err := setField(fv, raw, tag.JSON); err != nil {
				return newEndpointError(http.StatusBadRequest, "", "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.Source, tag.Name, sf.Name, err))
			}
			break
		}
	}
	return nil
}

func fetch(r *http.Request, tag sourceTag) ([]byte, bool, error) {
	switch tag.Source {
	case "path":
		v := r.PathValue(tag.Name)
		return []byte(v), v != "", nil
	case "query":
		if r.URL == nil {
			return nil, false, nil
		}
		vs, ok := r.URL.Query()[tag.Name]
		if !ok || len(vs) == 0 {
			return nil, false, nil
		}
		return []byte(vs[0]), true, nil
	case "body":
		return fetchBody(r, tag.JSON)
	case "cookie":
		c, err := r.Cookie(tag.Name)
		if err != nil {
			return nil, false, nil
		}
		return []byte(c.Value), true, nil
	case "header":
		vs := r.Header[http.CanonicalHeaderKey(tag.Name)]
		if len(vs) == 0 {
			return nil, false, nil
		}
		return []byte(vs[0]), true, nil
	}
	return nil, false, nil
}

func fetchBody(r *http.Request, asJSON bool) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, false, newEndpointError(http.StatusBadRequest, "", "", fmt.Errorf("endpoint: decode: body: %w", err))
	}
	if int64(len(b)) > maxBodyBytes {
		return nil, false, newEndpointError(http.StatusRequestEntityTooLarge, "", "", errors.New("endpoint: decode: body too large"))
	}
	if len(b) == 0 {
		return nil, false, nil
	}
	if asJSON && !requestBodyIsJSON(r) {
		mt := requestBodyMediaType(r)
		if mt == "" {
			mt = "(missing)"
		}
		return nil, false, newEndpointError(http.StatusUnsupportedMediaType, "unsupported_media_type", "", fmt.Errorf("endpoint: decode: body: unsupported media type %s", mt))
	}
	return b, true, nil
}

func requestBodyIsJSON(r *http.Request) bool {
	mt := requestBodyMediaType(r)
	return strings.HasPrefix(mt, "application/json") || strings.HasSuffix(mt, "+json")
}

func requestBodyMediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(mt)
}

func parseSourceTag(sf reflect.StructField, key string) (sourceTag, bool, error) {
	val, has := sf.Tag.Lookup(key)
	if !has {
		return sourceTag{}, false, nil
	}
	parts := strings.Split(val, ",")
	tag := sourceTag{Source: key, Name: strings.TrimSpace(parts[0])}
	if tag.Name == "" {
		tag.Name = strings.ToLower(sf.Name)
	}
	for _, p := range parts[1:] {
		switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
		case "":
		case "json":
			tag.JSON = true
		default:
			return sourceTag{}, false, fmt.Errorf("unknown %s tag flag %q", key, flag)
		}
	}
	return tag, true, nil
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("maxLength: invalid integer %q", val)
	}
	if n < 0 {
		return 0, errors.New("maxLength: must be >= 0")
	}
	return n, nil
}

func isStringOrBytes(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.String || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8)
}

func implementsTextUnmarshaler(v reflect.Value) bool {
	tu := reflect.TypeFor[encoding.TextUnmarshaler]()
	if v.CanAddr() && v.Addr().Type().Implements(tu) {
		return true
	}
	return v.Type().Implements(tu)
}

func setField(v reflect.Value, b []byte, asJSON bool) error {
	if !v.CanSet() {
		return errors.New("field is not settable")
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return setField(v.Elem(), b, asJSON)
	}
	if asJSON {
		return json.NewDecoder(bytes.NewReader(b)).Decode(v.Addr().Interface())
	}
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText(b)
		}
	}

	s := string(b)
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("unsupported slice type %s", v.Type())
		}
		v.SetBytes(append([]byte(nil), b...))
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
