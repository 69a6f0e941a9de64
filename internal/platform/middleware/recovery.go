package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// PanicError is a recovered handler panic, turned into an error so it can
// cross goroutines.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// callRecovering runs next and reports a panic as a *PanicError.
func callRecovering(next echo.HandlerFunc, c echo.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			stack = stack[:runtime.Stack(stack, false)]
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return next(c)
}

// Recovery logs panics, including those RequestTimeout forwards from its
// handler goroutine, and answers them with a 500.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := callRecovering(next, c)

			var pe *PanicError
			if !errors.As(err, &pe) {
				return err
			}
			rid, _ := c.Get("request_id").(string)
			logger.Error().
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Str("panic", fmt.Sprintf("%v", pe.Value)).
				Bytes("stack", pe.Stack).
				Msg("panic recovered")

			return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(pe)
		}
	}
}
