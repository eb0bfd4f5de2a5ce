package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/mnehpets/accessgate/endpoint"
	"github.com/rs/zerolog/log"
)

// Recover is an endpoint processor that turns a panic further down the chain
// into a 500 error instead of tearing down the connection.
type Recover struct{}

// Process implements endpoint.Processor.
func (Recover) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) (err error) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if v == http.ErrAbortHandler {
			panic(v)
		}
		log.Ctx(r.Context()).Error().
			Interface("panic", v).
			Bytes("stack", debug.Stack()).
			Msg("recovered from panic")
		err = endpoint.Error(http.StatusInternalServerError, "", fmt.Errorf("panic: %v", v))
	}()
	return next(w, r)
}

var _ endpoint.Processor = Recover{}
