package policy

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema describing policy documents, for editor
// integration and the CLI's -schema flag.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(&Policy{})
	s.Title = "Module capability policy"
	s.Description = "Allow-set over sandboxed resource categories; absent categories are denied."
	return json.MarshalIndent(s, "", "  ")
}
