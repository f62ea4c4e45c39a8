package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stv0g/git-annex-remote-tape/jobs"
)

func TestServeMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobs.NewMetrics(reg)
	metrics.Jobs.WithLabelValues(string(jobs.StateCompleted)).Inc()
	mux := newServeMux(reg)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedBody   string
	}{
		{"Health endpoint", "/health", http.StatusOK, "OK"},
		{"Healthz endpoint", "/healthz", http.StatusOK, "OK"},
		{"Root endpoint", "/", http.StatusOK, "OK"},
		{"Metrics endpoint", "/metrics", http.StatusOK, `tape_jobs_total{state="completed"} 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest("GET", tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}

			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if status := rr.Code; status != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v",
					status, tt.expectedStatus)
			}

			if !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("handler returned unexpected body: got %v want %v",
					rr.Body.String(), tt.expectedBody)
			}
		})
	}
}
