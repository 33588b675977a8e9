package api

import (
	"context"
	"errors"
	"net/http"

	"ghostvpn/internal/middleware"
	"ghostvpn/internal/models"
	"ghostvpn/internal/registry"
	"ghostvpn/internal/tunnel"
	"ghostvpn/internal/validate"
)

// statusOf: отображение ошибок ядра в HTTP-коды.
func statusOf(err error) (int, string) {
	var xerr *tunnel.ExternalError
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, validate.ErrValidation):
		return http.StatusUnprocessableEntity, "Validation Failed"
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, tunnel.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, registry.ErrServerInUse),
		errors.Is(err, registry.ErrDuplicatePeerKey),
		errors.Is(err, registry.ErrPeerActive),
		errors.Is(err, tunnel.ErrAlreadyActive),
		errors.Is(err, tunnel.ErrAborted):
		return http.StatusConflict, "Conflict"
	case errors.As(err, &xerr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway, "Tunnel Operation Failed"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.problem(w, r, err, map[string]any{})
}

// failSession добавляет в ответ статус сессии и вывод внешнего процесса.
func (h *Handler) failSession(w http.ResponseWriter, r *http.Request, st tunnel.Status, err error) {
	extra := map[string]any{}
	if st.PeerID != 0 {
		extra["session"] = st
	}
	var xerr *tunnel.ExternalError
	if errors.As(err, &xerr) {
		extra["op"] = xerr.Op
		extra["output"] = xerr.Output
	}
	h.problem(w, r, err, extra)
}

func (h *Handler) problem(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status, title := statusOf(err)
	reqid := middleware.GetRequestID(r)
	extra["reqid"] = reqid

	var ve *validate.ValidationError
	if errors.As(err, &ve) {
		extra["fields"] = ve.FieldMap()
	}

	detail := err.Error()
	e := h.log.WithField("reqid", reqid).WithError(err)
	if status >= http.StatusInternalServerError {
		e.Error("request failed")
		if status == http.StatusInternalServerError {
			detail = "unexpected server error (see logs by reqid)"
		}
	} else {
		e.Debug("request rejected")
	}
	models.WriteProblem(w, status, title, detail, extra)
}
