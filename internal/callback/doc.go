// Package callback defines host functions that guest code may invoke.
//
// A Callback has a name, a description, a JSON Schema for its arguments and an
// Invoke method receiving the raw JSON arguments. Func builds a Callback from a
// typed Go function; the schema is reflected from the argument struct.
//
// Names are identifier paths: "get_time" is exposed to the guest as a global
// async function and "math.add" as a method on a "math" namespace object.
//
// Example Usage:
//
//	type addArgs struct {
//	    A float64 `json:"a" jsonschema:"required"`
//	    B float64 `json:"b" jsonschema:"required"`
//	}
//
//	add := callback.Func("math.add", "Adds two numbers",
//	    func(ctx context.Context, args addArgs) (any, error) {
//	        return args.A + args.B, nil
//	    })
//
//	reg, err := callback.NewRegistry(add)
package callback
