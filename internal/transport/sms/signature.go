package sms

import (
	"net/url"

	twilioclient "github.com/twilio/twilio-go/client"
)

// ValidateSignature reports whether sig is the X-Twilio-Signature Twilio
// would send for a webhook POST of params to fullURL. Only the first value
// of a repeated parameter is signed.
func ValidateSignature(authToken, fullURL string, params url.Values, sig string) bool {
	if sig == "" || authToken == "" {
		return false
	}
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	v := twilioclient.NewRequestValidator(authToken)
	return v.Validate(fullURL, flat, sig)
}
