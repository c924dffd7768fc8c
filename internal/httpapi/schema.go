package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var errInvalidJSON = errors.New("invalid json body")

// Append bodies are validated against a schema before anything touches
// storage: the fields are client-supplied and end up as path components and
// persisted records.
const appendSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["userId", "conversationId", "role", "text"],
	"properties": {
		"userId": {"type": "string", "minLength": 1},
		"conversationId": {"type": "string", "minLength": 1},
		"role": {"type": "string", "enum": ["user", "assistant"]},
		"text": {"type": "string"}
	},
	"additionalProperties": false
}`

var appendSchema = mustCompileSchema("append.json", appendSchemaJSON)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

type appendRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Text           string `json:"text"`
}

func parseAppendRequest(body []byte) (appendRequest, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return appendRequest{}, errInvalidJSON
	}
	if err := appendSchema.Validate(doc); err != nil {
		return appendRequest{}, err
	}
	var req appendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return appendRequest{}, errInvalidJSON
	}
	return req, nil
}
