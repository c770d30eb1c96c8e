package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/caseflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition is returned for every definition that cannot be parsed.
var ErrInvalidDefinition = errors.New("invalid definition")

var (
	validate     = validator.New(validator.WithRequiredStructEnabled())
	schemaLoader = gojsonschema.NewStringLoader(documentSchema)
)

// Document is the raw, serialized form of a definition, accepted as JSON or YAML.
type Document struct {
	Key         string          `json:"key"         yaml:"key"         validate:"required"`
	Name        string          `json:"name"        yaml:"name"`
	Activities  []RawActivity   `json:"activities"  yaml:"activities"  validate:"required,min=1,dive"`
	Transitions []RawTransition `json:"transitions" yaml:"transitions" validate:"dive"`
}

// RawActivity is the serialized form of an activity.
type RawActivity struct {
	ID          string          `json:"id"          yaml:"id"          validate:"required"`
	Name        string          `json:"name"        yaml:"name"`
	Type        ActivityType    `json:"type"        yaml:"type"        validate:"required"`
	AsyncBefore bool            `json:"asyncBefore" yaml:"asyncBefore"`
	AsyncAfter  bool            `json:"asyncAfter"  yaml:"asyncAfter"`
	Exclusive   *bool           `json:"exclusive"   yaml:"exclusive"`
	AttachedTo  string          `json:"attachedTo"  yaml:"attachedTo"`
	Signal      string          `json:"signal"      yaml:"signal"`
	Timer       string          `json:"timer"       yaml:"timer"`
	Activities  []RawActivity   `json:"activities"  yaml:"activities"  validate:"dive"`
	Transitions []RawTransition `json:"transitions" yaml:"transitions" validate:"dive"`
}

// RawTransition is the serialized form of a transition.
type RawTransition struct {
	ID   string `json:"id"   yaml:"id"`
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to"   yaml:"to"   validate:"required"`
}

// Decode reads a raw definition, validating it against the document schema.
func Decode(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}

	isJSON := trimmed[0] == '{'

	var generic any

	var err error
	if isJSON {
		err = json.Unmarshal(trimmed, &generic)
	} else {
		err = yaml.Unmarshal(trimmed, &generic)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	if !result.Valid() {
		var messages []string
		for _, e := range result.Errors() {
			messages = append(messages, e.String())
		}

		return nil, fmt.Errorf("%w: schema validation failed: %s", ErrInvalidDefinition, strings.Join(messages, "; "))
	}

	var document Document
	if isJSON {
		err = json.Unmarshal(trimmed, &document)
	} else {
		err = yaml.Unmarshal(trimmed, &document)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	if err := validate.Struct(&document); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	return &document, nil
}

// Parse decodes and builds the process model of a deployed resource.
func Parse(resource *models.DefinitionResource) (*Process, error) {
	document, err := Decode(resource.Data)
	if err != nil {
		return nil, err
	}

	if document.Key != resource.Key {
		return nil, fmt.Errorf("%w: document key %q does not match resource key %q",
			ErrInvalidDefinition, document.Key, resource.Key)
	}

	process := &Process{
		ID:           resource.ID,
		Key:          resource.Key,
		Version:      resource.Version,
		DeploymentID: resource.DeploymentID,
		Name:         document.Name,
		Activities:   make(map[string]*Activity),
	}

	b := &builder{process: process}

	initial, events, err := b.scope("", document.Activities, document.Transitions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	process.Initial = initial
	process.Events = events

	return process, nil
}
