package httptransport

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const inboundSchemaURL = "https://mailzen.local/schemas/inbound-message.json"

// inboundMessageSchema 只约束字段类型与长度，正文与认证的业务规则由入站服务判断
const inboundMessageSchema = `{
  "type": "object",
  "required": ["mailboxEmail", "from"],
  "properties": {
    "mailboxEmail": {"type": "string", "minLength": 3, "maxLength": 320},
    "from":         {"type": "string", "minLength": 1, "maxLength": 320},
    "to": {
      "type": "array",
      "maxItems": 100,
      "items": {"type": "string", "maxLength": 320}
    },
    "subject":   {"type": "string", "maxLength": 998},
    "textBody":  {"type": "string"},
    "htmlBody":  {"type": "string"},
    "messageId": {"type": "string", "maxLength": 998},
    "inReplyTo": {"type": "string", "maxLength": 998},
    "sizeBytes": {"type": "integer", "minimum": 0}
  }
}`

// PayloadValidator 入站 webhook 请求体的 JSON Schema 校验器
type PayloadValidator struct {
	schema *jsonschema.Schema
}

// NewPayloadValidator 编译入站消息 schema
func NewPayloadValidator() (*PayloadValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(inboundMessageSchema)))
	if err != nil {
		return nil, fmt.Errorf("decode inbound schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(inboundSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add inbound schema: %w", err)
	}
	schema, err := compiler.Compile(inboundSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// errMalformedJSON 请求体不是合法 JSON
type errMalformedJSON struct{ cause error }

func (e errMalformedJSON) Error() string { return "malformed json: " + e.cause.Error() }

// Validate 校验原始请求体
func (v *PayloadValidator) Validate(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errMalformedJSON{cause: err}
	}
	return v.schema.Validate(instance)
}
