package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// OptionKind is the value type of a tool option.
type OptionKind string

const (
	OptionString  OptionKind = "string"
	OptionText    OptionKind = "text"
	OptionBoolean OptionKind = "boolean"
	OptionInteger OptionKind = "integer"
	OptionNumber  OptionKind = "number"
	OptionChoice  OptionKind = "choice"
)

// legacyFieldTypes maps form field classes reported by older workers to option kinds.
var legacyFieldTypes = map[string]OptionKind{
	"django.forms.CharField":            OptionString,
	"django.forms.BooleanField":         OptionBoolean,
	"django.forms.IntegerField":         OptionInteger,
	"django.forms.FloatField":           OptionNumber,
	"django.forms.DecimalField":         OptionNumber,
	"django.forms.ChoiceField":          OptionChoice,
	"django.forms.TypedChoiceField":     OptionChoice,
	"djblets.util.fields.JSONFormField": OptionText,
}

// OptionDescriptor declares one option a tool accepts.
type OptionDescriptor struct {
	Name        string            `json:"name" yaml:"name"`
	Kind        OptionKind        `json:"type" yaml:"type"`
	Default     any               `json:"default,omitempty" yaml:"default,omitempty"`
	Constraints OptionConstraints `json:"constraints" yaml:"constraints"`
}

// OptionConstraints restrict the accepted values of an option.
type OptionConstraints struct {
	Required  bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Choices   []string `json:"choices,omitempty" yaml:"choices,omitempty"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	HelpText  string   `json:"help_text,omitempty" yaml:"help_text,omitempty"`
}

type legacyOption struct {
	Name         string         `json:"name"`
	FieldType    string         `json:"field_type"`
	Default      any            `json:"default"`
	FieldOptions map[string]any `json:"field_options"`
}

// ParseOptions decodes a tool option list. Both the descriptor form and the
// form-field form sent by older workers are accepted.
func ParseOptions(raw json.RawMessage) ([]OptionDescriptor, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("ParseOptions: %w", err)
	}

	opts := make([]OptionDescriptor, 0, len(entries))
	for i, entry := range entries {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(entry, &keys); err != nil {
			return nil, fmt.Errorf("ParseOptions: option %d: %w", i, err)
		}

		if _, legacy := keys["field_type"]; legacy {
			var lo legacyOption
			if err := json.Unmarshal(entry, &lo); err != nil {
				return nil, fmt.Errorf("ParseOptions: option %d: %w", i, err)
			}
			opt, err := fromLegacy(lo)
			if err != nil {
				return nil, fmt.Errorf("ParseOptions: option %d: %w", i, err)
			}
			opts = append(opts, opt)
			continue
		}

		var opt OptionDescriptor
		if err := json.Unmarshal(entry, &opt); err != nil {
			return nil, fmt.Errorf("ParseOptions: option %d: %w", i, err)
		}
		if err := opt.validate(); err != nil {
			return nil, fmt.Errorf("ParseOptions: option %d: %w", i, err)
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func fromLegacy(lo legacyOption) (OptionDescriptor, error) {
	kind, ok := legacyFieldTypes[lo.FieldType]
	if !ok {
		return OptionDescriptor{}, fmt.Errorf("unsupported field type %q", lo.FieldType)
	}
	opt := OptionDescriptor{Name: lo.Name, Kind: kind, Default: lo.Default}
	if v, ok := lo.FieldOptions["required"].(bool); ok {
		opt.Constraints.Required = v
	}
	if v, ok := lo.FieldOptions["label"].(string); ok {
		opt.Constraints.Label = v
	}
	if v, ok := lo.FieldOptions["help_text"].(string); ok {
		opt.Constraints.HelpText = v
	}
	if v, ok := lo.FieldOptions["min_value"].(float64); ok {
		opt.Constraints.Min = &v
	}
	if v, ok := lo.FieldOptions["max_value"].(float64); ok {
		opt.Constraints.Max = &v
	}
	if v, ok := lo.FieldOptions["max_length"].(float64); ok {
		n := int(v)
		opt.Constraints.MaxLength = &n
	}
	if choices, ok := lo.FieldOptions["choices"].([]any); ok {
		for _, c := range choices {
			// choices arrive as [value, label] pairs
			if pair, ok := c.([]any); ok && len(pair) > 0 {
				opt.Constraints.Choices = append(opt.Constraints.Choices, fmt.Sprint(pair[0]))
				continue
			}
			opt.Constraints.Choices = append(opt.Constraints.Choices, fmt.Sprint(c))
		}
	}
	return opt, opt.validate()
}

func (o OptionDescriptor) validate() error {
	if o.Name == "" {
		return fmt.Errorf("option name is required")
	}
	switch o.Kind {
	case OptionString, OptionText, OptionBoolean, OptionInteger, OptionNumber:
	case OptionChoice:
		if len(o.Constraints.Choices) == 0 {
			return fmt.Errorf("choice option %q has no choices", o.Name)
		}
	default:
		return fmt.Errorf("option %q has unknown type %q", o.Name, o.Kind)
	}
	return nil
}

// OptionsSchema builds the JSON Schema that tool settings must satisfy.
func OptionsSchema(opts []OptionDescriptor) map[string]any {
	props := make(map[string]any, len(opts))
	var required []any
	for _, o := range opts {
		p := map[string]any{}
		switch o.Kind {
		case OptionString, OptionText:
			p["type"] = "string"
			if o.Constraints.MaxLength != nil {
				p["maxLength"] = *o.Constraints.MaxLength
			}
		case OptionBoolean:
			p["type"] = "boolean"
		case OptionInteger, OptionNumber:
			p["type"] = string(o.Kind)
			if o.Constraints.Min != nil {
				p["minimum"] = *o.Constraints.Min
			}
			if o.Constraints.Max != nil {
				p["maximum"] = *o.Constraints.Max
			}
		case OptionChoice:
			enum := make([]any, len(o.Constraints.Choices))
			for i, c := range o.Constraints.Choices {
				enum[i] = c
			}
			p["enum"] = enum
		}
		props[o.Name] = p
		if o.Constraints.Required {
			required = append(required, o.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateSettings fills option defaults into settings and validates the result
// against the option schema. The normalized settings are returned.
func ValidateSettings(opts []OptionDescriptor, settings json.RawMessage) (json.RawMessage, error) {
	values := map[string]any{}
	if len(settings) > 0 && string(settings) != "null" {
		if err := json.Unmarshal(settings, &values); err != nil {
			return nil, fmt.Errorf("tool settings are not a JSON object: %w", err)
		}
	}
	for _, o := range opts {
		if _, ok := values[o.Name]; !ok && o.Default != nil {
			values[o.Name] = o.Default
		}
	}

	normalized, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}

	schemaBytes, err := json.Marshal(OptionsSchema(opts))
	if err != nil {
		return nil, err
	}
	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("options.json", schemaObj); err != nil {
		return nil, fmt.Errorf("option schema: %w", err)
	}
	sch, err := c.Compile("options.json")
	if err != nil {
		return nil, fmt.Errorf("option schema: %w", err)
	}

	var inst any
	if err := json.Unmarshal(normalized, &inst); err != nil {
		return nil, err
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("tool settings: %s", strings.TrimSpace(err.Error()))
	}
	return normalized, nil
}
