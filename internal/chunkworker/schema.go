package chunkworker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// refDocSchema is the minimal shape a ref JSON document must satisfy: a
// `url` field naming the CDN location of the image (spec §4.2).
const refDocSchema = `{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"ocr": {"type": "string"}
	}
}`

var (
	compiledRefSchemaOnce sync.Once
	compiledRefSchema     *jsonschema.Schema
	compiledRefSchemaErr  error
)

func refSchema() (*jsonschema.Schema, error) {
	compiledRefSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("ref.json", bytes.NewReader([]byte(refDocSchema))); err != nil {
			compiledRefSchemaErr = fmt.Errorf("failed to load ref schema: %w", err)
			return
		}
		compiledRefSchema, compiledRefSchemaErr = compiler.Compile("ref.json")
	})
	return compiledRefSchema, compiledRefSchemaErr
}

// refDoc is the parsed shape of a ref JSON document. fields holds the
// full decoded object, including any keys beyond url/ocr a producer
// upstream of this worker chose to carry (spec §4.2 only guarantees
// url "at minimum"); URL/OCR are convenience views onto it so callers
// don't have to do their own map type-assertions to read them.
type refDoc struct {
	URL    string
	OCR    string
	fields map[string]any
}

// parseRefDoc validates raw against refDocSchema and decodes it. A ref
// JSON lacking a usable `url` is reported via the returned error so the
// caller can skip it with a warning, per spec §4.2.
func parseRefDoc(raw []byte) (*refDoc, error) {
	schema, err := refSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("ref json is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("ref json failed schema validation: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode ref json: %w", err)
	}

	url, _ := fields["url"].(string)
	ocr, _ := fields["ocr"].(string)
	return &refDoc{URL: url, OCR: ocr, fields: fields}, nil
}

// withOCR returns raw re-serialized with its ocr key set to text, every
// other field untouched (spec §4.2: a ref doc may carry fields beyond
// url/ocr, and they must survive a round trip through this worker).
func (d *refDoc) withOCR(text string) ([]byte, error) {
	d.fields["ocr"] = text
	updated, err := json.MarshalIndent(d.fields, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize updated ref json: %w", err)
	}
	return updated, nil
}
