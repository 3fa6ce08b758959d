package checkauditentitlement

import "rgaa-audit-workers/internal/common/validation"

func GetInputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type: "object",
		Properties: map[string]validation.Property{
			"email": {
				Type:        "string",
				Format:      "email",
				Description: "Account e-mail of the user to check",
			},
		},
		Required:             []string{"email"},
		AdditionalProperties: true,
	}
}
