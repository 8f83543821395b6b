package gin

import (
	"context"

	"github.com/gin-gonic/gin"

	x402 "github.com/stackspay/stackspay"
	x402http "github.com/stackspay/stackspay/http"
)

// ReceiptKey is the gin context key holding the x402http.Receipt of a paid request.
const ReceiptKey = "x402.receipt"

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description     string
	MimeType        string
	Resource        string
	ResourceRootURL string
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription is an option for the PaymentMiddleware to set the description.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithMimeType is an option for the PaymentMiddleware to set the mime type.
func WithMimeType(mimeType string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.MimeType = mimeType
	}
}

// WithResource pins the resource URL reported in challenges.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// PaymentMiddleware settles the request's payment through gate before the
// wrapped handlers run. Unpaid or unsettled requests are aborted with 402.
func PaymentMiddleware(gate *x402http.Gate, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}

		result := gate.Authorize(c.Request.Context(), x402http.GateRequest{
			PaymentHeader: x402http.PaymentHeader(c.Request.Header),
			Resource: x402.ResourceInfo{
				URL:         resource,
				Description: options.Description,
				MimeType:    options.MimeType,
			},
		})

		for k, v := range result.Headers {
			c.Header(k, v)
		}
		if result.State != x402http.StateExecuting {
			c.AbortWithStatusJSON(result.Status, result.Body)
			return
		}

		c.Set(ReceiptKey, *result.Receipt)
		c.Request = c.Request.WithContext(context.WithoutCancel(c.Request.Context()))
		c.Next()
	}
}

// GetReceipt returns the settlement receipt stored by PaymentMiddleware.
func GetReceipt(c *gin.Context) (x402http.Receipt, bool) {
	v, ok := c.Get(ReceiptKey)
	if !ok {
		return x402http.Receipt{}, false
	}
	receipt, ok := v.(x402http.Receipt)
	return receipt, ok
}
