package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/invopop/jsonschema"
)

// Callback is a host function callable from guest code.
type Callback interface {
	Name() string
	Description() string
	ParametersSchema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}

// Descriptor is the guest-visible description of a callback.
type Descriptor struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	ParametersSchema json.RawMessage `json:"parameters_schema"`
}

// Describe returns the descriptor for cb.
func Describe(cb Callback) Descriptor {
	return Descriptor{
		Name:             cb.Name(),
		Description:      cb.Description(),
		ParametersSchema: cb.ParametersSchema(),
	}
}

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

type rawCallback struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, args json.RawMessage) (any, error)
}

func (c *rawCallback) Name() string                      { return c.name }
func (c *rawCallback) Description() string               { return c.description }
func (c *rawCallback) ParametersSchema() json.RawMessage { return c.schema }

func (c *rawCallback) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	return c.fn(ctx, args)
}

// Raw builds a Callback that receives its arguments undecoded. A nil schema
// is treated as an unconstrained object.
func Raw(name, description string, schema json.RawMessage, fn func(ctx context.Context, args json.RawMessage) (any, error)) Callback {
	if len(schema) == 0 {
		schema = emptyObjectSchema
	}
	return &rawCallback{name: name, description: description, schema: schema, fn: fn}
}

// Func builds a Callback from a typed function. Arguments are decoded into A
// and a decoding failure is reported as invalid arguments.
func Func[A any](name, description string, fn func(ctx context.Context, args A) (any, error)) Callback {
	return &rawCallback{
		name:        name,
		description: description,
		schema:      schemaFor[A](),
		fn: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args A
			if len(raw) > 0 && string(raw) != "null" {
				if err := sonic.Unmarshal(raw, &args); err != nil {
					return nil, InvalidArguments("cannot decode arguments: %v", err)
				}
			}
			return fn(ctx, args)
		},
	}
}

func schemaFor[A any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(new(A))
	schema.Version = ""
	schema.ID = ""

	data, err := sonic.Marshal(schema)
	if err != nil {
		return emptyObjectSchema
	}
	return data
}

// ValidateName checks that name is a dotted identifier path.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("callback name is empty")
	}
	for _, seg := range strings.Split(name, ".") {
		if !isIdentifier(seg) {
			return fmt.Errorf("callback name %q: segment %q is not an identifier", name, seg)
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
