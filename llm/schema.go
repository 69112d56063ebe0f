package llm

// SchemaType enumerates the JSON types a Schema node can take.
type SchemaType string

const (
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeBoolean SchemaType = "boolean"
)

// Schema is a provider-neutral subset of OpenAPI schema used to constrain
// structured output. Providers translate it into their native form.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// String is shorthand for a described string node.
func String(description string) *Schema {
	return &Schema{Type: TypeString, Description: description}
}

// Number is shorthand for a described number node.
func Number(description string) *Schema {
	return &Schema{Type: TypeNumber, Description: description}
}

// Boolean is shorthand for a described boolean node.
func Boolean(description string) *Schema {
	return &Schema{Type: TypeBoolean, Description: description}
}

// ArrayOf is shorthand for an array of items.
func ArrayOf(description string, items *Schema) *Schema {
	return &Schema{Type: TypeArray, Description: description, Items: items}
}
