package connector

import (
	"io"
	"net/http"

	"github.com/ccgw/ccgw/internal/errs"
)

const maxErrorBodySize = 4096

// parseAPIError reads up to maxErrorBodySize bytes of a non-2xx upstream
// response and wraps it as an *errs.APIError, grounded on the
// body-sniffing parseAPIError helpers in internal/provider/{openai,anthropic}.
func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return errs.Upstream(resp.StatusCode, body)
}
