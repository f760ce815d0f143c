package api

import (
	"net/http"

	"chaincore/internal/models"
)

type onecProductsBody struct {
	Products []*models.Product `json:"products"`
}

type onecInventoryBody struct {
	Items []*models.InventoryItem `json:"items"`
}

type onecEmployeesBody struct {
	Employees []*models.Employee `json:"employees"`
}

func (s *HTTPServer) handleOneCProducts(w http.ResponseWriter, r *http.Request) {
	var body onecProductsBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	n, err := s.svc.OneC.IngestProducts(r.Context(), body.Products)
	s.writeIngested(w, r, n, err)
}

func (s *HTTPServer) handleOneCInventory(w http.ResponseWriter, r *http.Request) {
	var body onecInventoryBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	n, err := s.svc.OneC.IngestInventory(r.Context(), body.Items)
	s.writeIngested(w, r, n, err)
}

func (s *HTTPServer) handleOneCEmployees(w http.ResponseWriter, r *http.Request) {
	var body onecEmployeesBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	n, err := s.svc.OneC.IngestEmployees(r.Context(), body.Employees)
	s.writeIngested(w, r, n, err)
}

func (s *HTTPServer) writeIngested(w http.ResponseWriter, r *http.Request, n int, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accepted": n})
}
