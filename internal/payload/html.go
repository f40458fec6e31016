package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"html/template"
	"io"
	"math"
	"reflect"
	"strings"
)

// ToHTML renders stored content as an escaped, pretty-printed <pre> block.
// Strings are parsed as JSON first; if that fails the raw string is escaped
// as is. Other values are marshalled. Falsy values (nil, "", false, 0)
// render as nothing.
func ToHTML(content any) template.HTML {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return textToHTML(v)
	case []byte:
		return textToHTML(string(v))
	case json.RawMessage:
		return textToHTML(string(v))
	case bool:
		if !v {
			return ""
		}
	}
	if isZeroNumber(content) {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(content); err != nil {
		return pre(fmt.Sprint(content))
	}
	return pre(strings.TrimSuffix(buf.String(), "\n"))
}

func isZeroNumber(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.IsZero()
	case reflect.Float32, reflect.Float64:
		return rv.IsZero() || math.IsNaN(rv.Float())
	}
	return false
}

func textToHTML(s string) template.HTML {
	if s == "" {
		return ""
	}
	out, err := reindent([]byte(strings.TrimSpace(s)))
	if err != nil {
		return pre(s)
	}
	return pre(out)
}

// reindent re-encodes a JSON document with two-space indentation. Key order
// and number literals are kept; string escapes are normalized so "é"
// prints as é and "<" as <.
func reindent(data []byte) (string, error) {
	if !json.Valid(data) {
		return "", errors.New("invalid JSON")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var buf bytes.Buffer
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	if err := writeToken(dec, &buf, tok, 0); err != nil {
		return "", err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", errors.New("trailing data after JSON value")
	}
	return buf.String(), nil
}

func writeToken(dec *json.Decoder, buf *bytes.Buffer, tok json.Token, depth int) error {
	switch t := tok.(type) {
	case json.Delim:
		closing := byte('}')
		if t == '[' {
			closing = ']'
		}
		buf.WriteByte(byte(t))
		n := 0
		for dec.More() {
			if n > 0 {
				buf.WriteByte(',')
			}
			newline(buf, depth+1)
			if t == '{' {
				key, err := dec.Token()
				if err != nil {
					return err
				}
				name, ok := key.(string)
				if !ok {
					return errors.New("object key is not a string")
				}
				if err := writeString(buf, name); err != nil {
					return err
				}
				buf.WriteString(": ")
			}
			value, err := dec.Token()
			if err != nil {
				return err
			}
			if err := writeToken(dec, buf, value, depth+1); err != nil {
				return err
			}
			n++
		}
		if _, err := dec.Token(); err != nil {
			return err
		}
		if n > 0 {
			newline(buf, depth)
		}
		buf.WriteByte(closing)
	case string:
		return writeString(buf, t)
	case json.Number:
		buf.WriteString(t.String())
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("unexpected JSON token %T", tok)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func newline(buf *bytes.Buffer, depth int) {
	buf.WriteByte('\n')
	for range depth {
		buf.WriteString("  ")
	}
}

func pre(s string) template.HTML {
	return template.HTML("<pre>" + html.EscapeString(s) + "</pre>")
}
