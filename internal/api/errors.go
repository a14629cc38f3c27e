package api

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/team-tissis/nolang-mcp/internal/nolang"
	"github.com/team-tissis/nolang-mcp/internal/poll"
	"github.com/team-tissis/nolang-mcp/internal/retry"
	"github.com/team-tissis/nolang-mcp/internal/video"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkArgs validates tool arguments and renders failures as one line per
// field.
func checkArgs(args any) error {
	err := validate.Struct(args)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fieldMessage(e))
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
}

func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "uuid":
		return fmt.Sprintf("%s must be a UUID, got %q", e.Field(), e.Value())
	case "min":
		return fmt.Sprintf("%s must be at least %s", e.Field(), e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", e.Field(), e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", e.Field(), e.Param())
	default:
		return fmt.Sprintf("%s failed %s", e.Field(), e.Tag())
	}
}

// DescribeError renders a failure for an agent or a terminal user. API
// failures keep the service's status, code and message.
func DescribeError(err error) string {
	var (
		ve  *nolang.ValidationError
		ex  *retry.ExhaustedError
		ae  *nolang.APIError
		msg string
	)

	switch {
	case errors.As(err, &ve):
		return "Validation error: " + ve.Error()
	case errors.Is(err, poll.ErrJobFailed), errors.Is(err, poll.ErrJobExpired):
		return err.Error()
	case errors.Is(err, poll.ErrTimeout):
		return err.Error() + "\nThe job may still finish: call wait_video_generation_and_get_download_url again to keep waiting."
	case errors.Is(err, video.ErrNoJournal):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "Request canceled."
	}

	if errors.As(err, &ae) && ae.Status != 0 {
		msg = formatAPIError(ae)
	} else {
		msg = err.Error()
	}

	switch {
	case errors.As(err, &ex) && ex.Class == retry.Congestion:
		return msg + fmt.Sprintf("\nThe service is congested (tried %d times). Wait a few minutes before trying again.", ex.Attempts)
	case errors.As(err, &ex):
		return msg + fmt.Sprintf("\nGave up after %d attempts.", ex.Attempts)
	case errors.Is(err, nolang.ErrRateLimited):
		return msg + "\nRate limited by the service. Wait before sending more requests."
	}
	return msg
}

func formatAPIError(ae *nolang.APIError) string {
	code := ae.Code
	if code == "" {
		code = "-"
	}
	message := ae.Message
	if message == "" {
		message = "Unknown error"
	}
	s := fmt.Sprintf("API Error %d\nCode   : %s\nMessage: %s", ae.Status, code, message)
	if ae.Detail != "" && ae.Detail != ae.Message {
		s += "\nDetail : " + ae.Detail
	}
	return s
}
