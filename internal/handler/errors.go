package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shopcart/internal/domain/auth"
	"github.com/xenking/shopcart/internal/domain/cart"
	"github.com/xenking/shopcart/internal/domain/order"
	"github.com/xenking/shopcart/internal/domain/product"
	"github.com/xenking/shopcart/internal/domain/promotion"
)

// validationError is a malformed or invalid request body.
type validationError struct {
	msg    string
	fields map[string]string
}

func (e *validationError) Error() string { return e.msg }

// statusOf maps a domain error to an HTTP status and a client-facing message.
// Unknown errors map to 500 and their text is not exposed.
func statusOf(err error) (int, string) {
	var (
		invalid  *promotion.InvalidPromotionError
		minOrder *promotion.MinimumOrderError
		stock    *product.InsufficientStockError
		expired  *order.IntentExpiredError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Error()
	case errors.As(err, &minOrder):
		return http.StatusBadRequest, minOrder.Error()
	case errors.As(err, &stock):
		return http.StatusConflict, stock.Error()
	case errors.As(err, &expired):
		return http.StatusGone, expired.Error()
	case errors.Is(err, promotion.ErrInvalidDefinition):
		return http.StatusUnprocessableEntity, err.Error()
	}

	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			return m.status, m.err.Error()
		}
	}
	return http.StatusInternalServerError, "internal server error"
}

var errorStatuses = []struct {
	err    error
	status int
}{
	{cart.ErrEmptyCart, http.StatusBadRequest},
	{cart.ErrInvalidQuantity, http.StatusBadRequest},
	{cart.ErrItemNotFound, http.StatusNotFound},
	{cart.ErrConflict, http.StatusConflict},
	{product.ErrNotFound, http.StatusNotFound},
	{product.ErrUnavailable, http.StatusConflict},
	{product.ErrInsufficientStock, http.StatusConflict},
	{promotion.ErrNotFound, http.StatusNotFound},
	{promotion.ErrAlreadyExists, http.StatusConflict},
	{order.ErrAlreadyExists, http.StatusConflict},
	{order.ErrNotFound, http.StatusNotFound},
	{order.ErrIntentNotFound, http.StatusNotFound},
	{order.ErrNotCancellable, http.StatusConflict},
	{order.ErrInvalidStatus, http.StatusConflict},
	{order.ErrInvalidPaymentMode, http.StatusBadRequest},
	{auth.ErrUnauthorized, http.StatusUnauthorized},
	{auth.ErrForbidden, http.StatusForbidden},
}

// fail writes err as an error envelope. Server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validationError
	if errors.As(err, &verr) {
		writeValidation(w, verr)
		return
	}

	status, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeMessage(w, status, msg)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

func writeValidation(w http.ResponseWriter, verr *validationError) {
	writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(http.StatusBadRequest) })
			e.Field("message", func(e *jx.Encoder) { e.Str(verr.msg) })
			if len(verr.fields) == 0 {
				return
			}
			e.Field("fields", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					for name, msg := range verr.fields {
						e.Field(name, func(e *jx.Encoder) { e.Str(msg) })
					}
				})
			})
		})
	})
}
