package models

import (
	"encoding/json"
	"net/http"
)

// Problem: ответ об ошибке в стиле RFC 7807 (application/problem+json).
// API кладёт в Extra reqid, а для ошибок валидации и туннелей - fields,
// session и вывод wg-quick.
type Problem struct {
	Type     string `json:"type,omitempty"`   // URL с описанием типа проблемы (можно оставить пустым)
	Title    string `json:"title"`            // краткое название
	Status   int    `json:"status"`           // HTTP код
	Detail   string `json:"detail,omitempty"` // подробности
	Instance string `json:"instance,omitempty"`
	Extra    any    `json:"extra,omitempty"` // произвольные поля (map/struct)
}

// WriteProblem отвечает статусом status и телом Problem.
func WriteProblem(w http.ResponseWriter, status int, title, detail string, extra any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Extra:  extra,
	})
}

// WriteJSON: успешный JSON-ответ API и health-эндпоинтов.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
