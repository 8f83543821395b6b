package echo

import (
	"context"

	"github.com/labstack/echo/v4"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
)

// ReceiptKey is the echo context key holding the x402http.Receipt of a paid request.
const ReceiptKey = "x402.receipt"

// Config configures PaymentMiddleware.
type Config struct {
	Gate            *x402http.Gate
	Description     string
	MimeType        string
	ResourceRootURL string
}

// PaymentMiddleware is the echo counterpart of the gin middleware.
func PaymentMiddleware(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			result := cfg.Gate.Authorize(req.Context(), x402http.GateRequest{
				PaymentHeader: x402http.PaymentHeader(req.Header),
				Resource: x402.ResourceInfo{
					URL:         cfg.ResourceRootURL + req.URL.Path,
					Description: cfg.Description,
					MimeType:    cfg.MimeType,
				},
			})

			for k, v := range result.Headers {
				c.Response().Header().Set(k, v)
			}
			if result.State != x402http.StateExecuting {
				return c.JSON(result.Status, result.Body)
			}

			c.Set(ReceiptKey, *result.Receipt)
			c.SetRequest(req.WithContext(context.WithoutCancel(req.Context())))
			return next(c)
		}
	}
}

// GetReceipt returns the settlement receipt stored by PaymentMiddleware.
func GetReceipt(c echo.Context) (x402http.Receipt, bool) {
	receipt, ok := c.Get(ReceiptKey).(x402http.Receipt)
	return receipt, ok
}
