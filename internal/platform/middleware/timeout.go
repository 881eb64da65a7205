package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/sdcpopulate/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. A handler
// still running when the deadline passes gets a 504 OperationOutcome
// written for it; the handler observes the cancelled context, so in-flight
// context fetches and expansions stop too.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					if c.Response().Committed {
						return nil
					}
					return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(
						fhir.IssueSeverityError, fhir.IssueTypeTimeout,
						"Request processing exceeded the allowed time limit"))
				}
				return ctx.Err()
			}
		}
	}
}
