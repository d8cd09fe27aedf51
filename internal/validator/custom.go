package validator

import (
	"net"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
)

var extensionRegex = regexp.MustCompile(`^\.?[a-zA-Z0-9]+$`)

func extensionValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return extensionRegex.MatchString(strings.TrimSpace(val))
}

func listenAddressValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	_, _, err := net.SplitHostPort(val)
	return err == nil
}

func logLevelValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	_, err := zapcore.ParseLevel(val)
	return err == nil
}

func commandValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return len(strings.Fields(val)) > 0
}

// fileTemplateValidator accepts output file name templates relative to the output directory.
func fileTemplateValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	val = strings.TrimSpace(val)
	return val != "" && !strings.Contains(val, "..")
}
