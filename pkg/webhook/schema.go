package webhook

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchema = `{
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"payload": {"type": "object"}
	}
}`

const validationSchema = `{
	"type": "object",
	"required": ["event", "payload"],
	"properties": {
		"payload": {
			"type": "object",
			"required": ["plainToken"],
			"properties": {
				"plainToken": {"type": "string", "minLength": 1}
			}
		}
	}
}`

const objectSchema = `{
	"type": "object",
	"required": ["event", "payload"],
	"properties": {
		"payload": {
			"type": "object",
			"required": ["object"],
			"properties": {
				"object": {
					"type": "object",
					"properties": {
						"caller": {"type": ["object", "null"]},
						"callee": {"type": ["object", "null"]},
						"personal_notes": {"type": ["string", "null"]}
					}
				}
			}
		}
	}
}`

var (
	envelopeSch   = mustCompile("envelope.json", envelopeSchema)
	validationSch = mustCompile("validation.json", validationSchema)
	objectSch     = mustCompile("object.json", objectSchema)
)

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("./"+name, doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("./" + name)
	if err != nil {
		panic(err)
	}
	return sch
}

// validateSchema checks the envelope and then the variant schema selected by
// the event type.
func validateSchema(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := envelopeSch.Validate(inst); err != nil {
		return err
	}

	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return err
	}

	switch {
	case head.Event == TypeURLValidation:
		return validationSch.Validate(inst)
	case isObjectEvent(head.Event):
		return objectSch.Validate(inst)
	}
	return nil
}

func isObjectEvent(eventType string) bool {
	if eventType == TypePresenceUpdated || eventType == TypePersonalNotes {
		return true
	}
	_, ok := callTransitions[eventType]
	return ok
}
