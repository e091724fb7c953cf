package httpapi

import (
	"net/http"

	"github.com/cuemby/rimio/pkg/rimerr"
)

// statusForErr maps a rimerr.Kind to the HTTP status of §7's error table.
// An error carrying no Kind (a programming error, not a classified
// failure) is treated as 500.
func statusForErr(err error) int {
	kind, ok := rimerr.Of(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case rimerr.KindInvalidRequest:
		return http.StatusBadRequest
	case rimerr.KindNotFound:
		return http.StatusNotFound
	case rimerr.KindDeleted:
		return http.StatusGone
	case rimerr.KindPartNotFound:
		return http.StatusBadGateway
	case rimerr.KindHashMismatch:
		return http.StatusInternalServerError
	case rimerr.KindInsufficientReplicas:
		return http.StatusServiceUnavailable
	case rimerr.KindTwoPhaseCommit:
		return http.StatusInternalServerError
	case rimerr.KindTransport:
		return http.StatusServiceUnavailable
	case rimerr.KindStorage:
		return http.StatusInternalServerError
	case rimerr.KindConfig, rimerr.KindBootstrap:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
