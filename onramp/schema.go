package onramp

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// widgetConfigSchema describes the provider initialization payload returned
// by the backend.
const widgetConfigSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["appId", "destinationWallets"],
  "properties": {
    "appId": {"type": "string", "minLength": 1},
    "destinationWallets": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["address"],
        "properties": {
          "address": {"type": "string", "minLength": 1},
          "blockchains": {"type": "array", "items": {"type": "string"}},
          "assets": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "presetCryptoAmount": {"type": "number", "exclusiveMinimum": 0},
    "defaultAsset": {"type": "string"},
    "defaultNetwork": {"type": "string"},
    "sessionId": {"type": "string"},
    "partnerUserId": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

var widgetSchemaLoader = gojsonschema.NewStringLoader(widgetConfigSchema)

// ValidateWidgetConfig checks a widget configuration before it is handed to the provider
func ValidateWidgetConfig(config map[string]interface{}) error {
	if config == nil {
		return fmt.Errorf("widget config missing")
	}

	result, err := gojsonschema.Validate(widgetSchemaLoader, gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("widget config validation: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("invalid widget config: %s", strings.Join(errs, "; "))
	}
	return nil
}
