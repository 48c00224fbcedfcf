// Package echo adapts the x402gate protocol engine to Echo.
package echo

import (
	"github.com/labstack/echo/v4"

	x402gate "github.com/payward/x402gate"
)

// PaymentMiddleware runs every request through the protocol engine before
// the wrapped handler.
func PaymentMiddleware(engine *x402gate.Engine) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			decision := engine.Process(req.Context(), x402gate.Request{
				Method:        req.Method,
				Path:          req.URL.Path,
				ClientIP:      c.RealIP(),
				PaymentHeader: req.Header.Get(x402gate.HeaderPayment),
			})

			for k, v := range decision.Headers {
				c.Response().Header().Set(k, v)
			}
			if decision.Outcome == x402gate.OutcomeAdmitted {
				return next(c)
			}

			if len(decision.Body) > 0 {
				return c.Blob(decision.Status, "application/json", decision.Body)
			}
			return c.NoContent(decision.Status)
		}
	}
}
