package fortress

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ClientAddr extracts the source address, honoring proxy headers before
// falling back to the connection peer.
func ClientAddr(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if ip := c.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return c.IP()
}

// SignalFromFiber builds a RequestSignal from a fiber request. Only header
// metadata is captured, never the body.
func SignalFromFiber(c *fiber.Ctx) RequestSignal {
	headers := make(map[string]string)
	for name, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[http.CanonicalHeaderKey(name)] = values[0]
		}
	}
	return RequestSignal{
		Method:     c.Method(),
		Path:       c.Path(),
		SourceAddr: ClientAddr(c),
		Headers:    headers,
		StatusCode: c.Response().StatusCode(),
		At:         time.Now(),
	}
}

// Middleware returns the request-facing fiber handler. Blocked addresses are
// rejected before the application runs; everyone else is served first and
// observed after, so the response status feeds the error-rate windows and
// detection can never fail a legitimate request.
func (c *Core) Middleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		addr := ClientAddr(ctx)
		if c.incidents.IsBlocked(addr) {
			c.metrics.IncrementCounter("fortress_blocked_requests_total", nil)
			return ctx.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "address blocked",
				"type":  "address_block",
			})
		}

		err := ctx.Next()

		sig := SignalFromFiber(ctx)
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				sig.StatusCode = e.Code
			} else {
				sig.StatusCode = fiber.StatusInternalServerError
			}
		}
		c.Process(sig)
		return err
	}
}
