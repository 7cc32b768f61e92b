package service

import (
	"errors"
	"strings"
)

var ErrForbidden = errors.New("forbidden: insufficient permissions")

type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

// mobileComplaint is the fragment Tamin embeds in its Persian rejection
// message when the patient's mobile number is not registered with them.
const mobileComplaint = "تلفن همراه"

func isMobileComplaint(message string) bool {
	return strings.Contains(message, mobileComplaint)
}
