package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/mnehpets/accessgate/endpoint"
)

// AllowMethods is a processor that answers 405 with a JSON
// {"error":"method_not_allowed"} body and an Allow header for any method not
// listed. Place it after CORS so that preflights are answered first.
type AllowMethods []string

// Process implements endpoint.Processor.
func (m AllowMethods) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if slices.Contains(m, r.Method) {
		return next(w, r)
	}
	w.Header().Set("Allow", strings.Join(m, ", "))
	return endpoint.ErrorCode(http.StatusMethodNotAllowed, "method_not_allowed", nil)
}

var _ endpoint.Processor = AllowMethods(nil)
