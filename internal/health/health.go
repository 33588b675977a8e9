package health

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"ghostvpn/internal/models"
)

// Check: одна проверка готовности. nil - готово.
type Check func(ctx context.Context) error

// RegisterRoutes: /healthz (liveness) и /readyz (все checks должны пройти).
func RegisterRoutes(r *mux.Router, checks map[string]Check) {
	r.HandleFunc("/healthz", liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()

		failed := map[string]string{}
		for _, name := range slices.Sorted(maps.Keys(checks)) {
			if err := checks[name](ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			models.WriteProblem(w, http.StatusServiceUnavailable, "Not Ready", "", failed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
}

// DB: проверка соединения с БД.
func DB(db *gorm.DB) Check {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("db not configured")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return errors.New("db handle error")
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return errors.New("db unreachable")
		}
		return nil
	}
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
