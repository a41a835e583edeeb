package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrMalformed is returned by Decode when a frame is not a valid request.
var ErrMalformed = errors.New("malformed request")

// Decode parses and structurally validates a single inbound frame.
// The returned request is usable (for id correlation) even when err is non-nil,
// as long as the JSON itself parsed.
func Decode(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	if err := Validate(req); err != nil {
		return req, err
	}
	return req, nil
}

// Validate checks the struct-tag constraints on a request.
func Validate(req Request) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: invalid %s", ErrMalformed, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
