// Package gin adapts the x402gate protocol engine to Gin.
package gin

import (
	"github.com/gin-gonic/gin"

	x402gate "github.com/payward/x402gate"
)

// PaymentMiddleware runs every request through the protocol engine. On
// admission the settlement confirmation header is already set and the
// chain continues; otherwise the request is aborted with the engine's
// status and challenge body.
func PaymentMiddleware(engine *x402gate.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := engine.Process(c.Request.Context(), x402gate.Request{
			Method:        c.Request.Method,
			Path:          c.Request.URL.Path,
			ClientIP:      c.ClientIP(),
			PaymentHeader: c.GetHeader(x402gate.HeaderPayment),
		})

		for k, v := range decision.Headers {
			c.Header(k, v)
		}
		if decision.Outcome == x402gate.OutcomeAdmitted {
			c.Next()
			return
		}

		c.Abort()
		if len(decision.Body) > 0 {
			c.Data(decision.Status, "application/json", decision.Body)
			return
		}
		c.Status(decision.Status)
	}
}
