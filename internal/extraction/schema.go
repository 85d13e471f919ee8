package extraction

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// questionArraySchema constrains the structural shape of the capability's
// output. It deliberately does not constrain question_type values: unknown
// kinds are coerced to custom downstream rather than rejected here.
const questionArraySchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "question_text": {"type": "string"},
      "question_type": {"type": "string"},
      "is_required": {"type": "boolean"}
    },
    "required": ["question_text"]
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(questionArraySchema)

// validateShape checks a candidate JSON array against the output schema.
// Returns a descriptive error listing the failing fields.
func validateShape(body string) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(body))
	if err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("schema violations: %s", strings.Join(messages, "; "))
}
