package randomization

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	h := NewHandler(newTestService())
	e := echo.New()
	return h, e
}

func postPlan(t *testing.T, h *Handler, e *echo.Echo, target, body string, header map[string]string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, h.CreatePlan(c)
}

func TestHandler_CreatePlan_Block(t *testing.T) {
	h, e := newTestHandler()
	body := `{"strategy":"block","initial_id":100,"seed":42,"strata":{"Good_M":4,"Good_F":0,"Poor_M":0,"Poor_F":4}}`
	rec, err := postPlan(t, h, e, "/", body, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var plan Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(plan.Records) != 8 {
		t.Fatalf("expected 8 records, got %d", len(plan.Records))
	}
	if plan.Records[0].SubjectID != 100 || plan.Records[7].SubjectID != 107 {
		t.Errorf("expected IDs 100-107, got %d-%d", plan.Records[0].SubjectID, plan.Records[7].SubjectID)
	}
	if plan.Seed != 42 {
		t.Errorf("expected seed 42, got %d", plan.Seed)
	}
	if !strings.Contains(rec.Body.String(), `"errors":[]`) {
		t.Errorf("expected empty errors array, got %s", rec.Body.String())
	}
}

func TestHandler_CreatePlan_ValidationErrorsAreNonFatal(t *testing.T) {
	h, e := newTestHandler()
	body := `{"strategy":"block","strata":{"Good_M":5}}`
	rec, err := postPlan(t, h, e, "/", body, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		InitialID int `json:"initial_id"`
		Records   []AssignmentRecord
		Errors    []map[string]interface{}
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.InitialID != DefaultInitialID {
		t.Errorf("expected default initial_id %d, got %d", DefaultInitialID, resp.InitialID)
	}
	if len(resp.Records) != 0 {
		t.Errorf("expected 0 records, got %d", len(resp.Records))
	}
	if len(resp.Errors) != 1 || resp.Errors[0]["stratum"] != "Good_M" {
		t.Errorf("expected one Good_M error, got %v", resp.Errors)
	}
}

func TestHandler_CreatePlan_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown stratum", `{"strata":{"Fair_M":4}}`},
		{"negative size", `{"strata":{"Good_M":-4}}`},
		{"oversized stratum", `{"strategy":"simple","strata":{"Good_M":9223372036854775807,"Good_F":2}}`},
		{"subject id overflow", `{"initial_id":9223372036854775807,"strata":{"Good_M":4}}`},
		{"zero initial id", `{"initial_id":0,"strata":{"Good_M":4}}`},
		{"unknown strategy", `{"strategy":"urn","strata":{"Good_M":4}}`},
		{"malformed body", `{"strata":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler()
			_, err := postPlan(t, h, e, "/", tt.body, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			he, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected *echo.HTTPError, got %T", err)
			}
			if he.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", he.Code)
			}
		})
	}
}

func TestHandler_CreatePlan_CSV(t *testing.T) {
	h, e := newTestHandler()
	body := `{"strategy":"block","initial_id":1,"strata":{"Good_M":4,"Poor_M":3}}`
	rec, err := postPlan(t, h, e, "/?format=csv", body, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/csv" {
		t.Errorf("expected text/csv, got %s", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "randomization_plan_blocks.csv") {
		t.Errorf("unexpected Content-Disposition: %s", cd)
	}
	if rec.Header().Get("X-Validation-Errors") != "1" {
		t.Errorf("expected 1 validation error, got %s", rec.Header().Get("X-Validation-Errors"))
	}
	if !strings.Contains(rec.Header().Get("X-Validation-Error"), "Poor_M") {
		t.Errorf("expected Poor_M validation message, got %q", rec.Header().Get("X-Validation-Error"))
	}

	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 CSV rows (1 header + 4 data), got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != "Subject ID,Sleep Quality,Sex,Condition" {
		t.Errorf("unexpected header %v", rows[0])
	}
}

func TestHandler_CreatePlan_AcceptCSV(t *testing.T) {
	h, e := newTestHandler()
	body := `{"strategy":"simple","strata":{"Good_M":3}}`
	rec, err := postPlan(t, h, e, "/", body, map[string]string{echo.HeaderAccept: "text/csv"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, `"randomization_plan.csv"`) {
		t.Errorf("unexpected Content-Disposition: %s", cd)
	}
	if lines := strings.Count(rec.Body.String(), "\n"); lines != 4 {
		t.Errorf("expected 4 CSV lines, got %d", lines)
	}
}

func TestHandler_ListStrata(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListStrata(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out []stratumInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out) != 4 || out[0].Key != "Good_M" || out[3].Key != "Poor_F" {
		t.Errorf("unexpected strata: %+v", out)
	}
}

func TestHandler_ListStrategies(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListStrategies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"block_size":4`) {
		t.Errorf("expected block_size in body, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"default":"block"`) {
		t.Errorf("expected default strategy in body, got %s", rec.Body.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/randomization/strata", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
