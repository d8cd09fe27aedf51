package validator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ErrInvalidField struct {
	error
}

func NewErrInvalidField(fieldErrors validator.ValidationErrors) *ErrInvalidField {
	msgs := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed on %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return &ErrInvalidField{fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))}
}
