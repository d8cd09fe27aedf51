package validator

import "github.com/go-playground/validator/v10"

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

func NewConfigValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Rule: registerFn("extension", extensionValidator),
		},
		{
			Rule: registerFn("listen_address", listenAddressValidator),
		},
		{
			Rule: registerFn("log_level", logLevelValidator),
		},
		{
			Rule: registerFn("command", commandValidator),
		},
		{
			Rule: registerFn("file_template", fileTemplateValidator),
		},
	}
}
