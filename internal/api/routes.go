package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes вешает API на /api/wg. events может быть nil.
func RegisterRoutes(r *mux.Router, h *Handler, events http.Handler) {
	sub := r.PathPrefix("/api/wg").Subrouter()

	sub.HandleFunc("/servers", h.ListServers).Methods(http.MethodGet)
	sub.HandleFunc("/servers", h.CreateServer).Methods(http.MethodPost)
	sub.HandleFunc("/servers/{id:[0-9]+}", h.GetServer).Methods(http.MethodGet)
	sub.HandleFunc("/servers/{id:[0-9]+}", h.UpdateServer).Methods(http.MethodPatch, http.MethodPut)
	sub.HandleFunc("/servers/{id:[0-9]+}", h.DeleteServer).Methods(http.MethodDelete)

	sub.HandleFunc("/peers", h.ListPeers).Methods(http.MethodGet)
	sub.HandleFunc("/peers", h.CreatePeer).Methods(http.MethodPost)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.GetPeer).Methods(http.MethodGet)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.UpdatePeer).Methods(http.MethodPatch, http.MethodPut)
	sub.HandleFunc("/peers/{id:[0-9]+}", h.DeletePeer).Methods(http.MethodDelete)
	sub.HandleFunc("/peers/{id:[0-9]+}/activate", h.Activate).Methods(http.MethodPost)
	sub.HandleFunc("/peers/{id:[0-9]+}/deactivate", h.Deactivate).Methods(http.MethodPost)

	sub.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	sub.HandleFunc("/keys", h.GenerateKeys).Methods(http.MethodPost)

	if events != nil {
		sub.Handle("/events", events).Methods(http.MethodGet)
	}
}
