package extraction

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"aqar_pipeline/models"
)

//go:embed schema.json
var schemaJSON []byte

var (
	ErrNoBlock          = errors.New("no JSON object in response")
	ErrMissingMandatory = errors.New("mandatory fields missing")
)

var listingSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("listing.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("add listing schema: %v", err))
	}
	schema, err := compiler.Compile("listing.json")
	if err != nil {
		panic(fmt.Sprintf("compile listing schema: %v", err))
	}
	return schema
}

// ParseBlock finds the first well-formed JSON object in a model response,
// validates it and converts it to a record. Code fences and prose around the
// object are ignored.
func ParseBlock(response string) (*models.PropertyRecord, error) {
	raw, ok := firstObject(response)
	if !ok {
		return nil, ErrNoBlock
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}

	if err := listingSchema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %s", ErrMissingMandatory, verr.Error())
		}
		return nil, err
	}

	fields := make(map[string]string, len(doc))
	for k, v := range doc {
		fields[k] = stringify(v)
	}
	rec := models.FromFields(fields)
	for _, f := range models.MandatoryExtractionFields {
		if v := rec.Get(f); v == "" || v == models.Unspecified {
			return nil, fmt.Errorf("%w: %s", ErrMissingMandatory, f)
		}
	}
	return rec, nil
}

// firstObject returns the first brace-balanced substring that decodes as JSON.
func firstObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > start {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
