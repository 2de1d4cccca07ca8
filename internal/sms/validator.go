package sms

import (
	"net/url"

	twclient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "X-Twilio-Signature"

// Validator checks that a webhook request was signed by the provider.
type Validator struct {
	enabled   bool
	validator twclient.RequestValidator
}

func NewValidator(authToken string, enabled bool) *Validator {
	return &Validator{
		enabled:   enabled,
		validator: twclient.NewRequestValidator(authToken),
	}
}

func (v *Validator) Enabled() bool { return v != nil && v.enabled }

// Validate reports whether signature matches the full request url and form.
// Always true when validation is disabled.
func (v *Validator) Validate(fullURL string, form url.Values, signature string) bool {
	if !v.Enabled() {
		return true
	}
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k, vals := range form {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(fullURL, params, signature)
}
