package middleware

import (
	"net/http"

	"extension-gateway/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/mock"
)

// mockLogger is a testify mock of logger.Logger
type mockLogger struct {
	mock.Mock
}

func (m *mockLogger) Debug(msg string, fields ...logger.Field) { m.Called(msg, fields) }
func (m *mockLogger) Info(msg string, fields ...logger.Field)  { m.Called(msg, fields) }
func (m *mockLogger) Warn(msg string, fields ...logger.Field)  { m.Called(msg, fields) }
func (m *mockLogger) Error(msg string, fields ...logger.Field) { m.Called(msg, fields) }
func (m *mockLogger) Fatal(msg string, fields ...logger.Field) { m.Called(msg, fields) }
func (m *mockLogger) With(fields ...logger.Field) logger.Logger {
	return m
}

// permissiveLogger accepts any call
func permissiveLogger() *mockLogger {
	m := new(mockLogger)
	for _, level := range []string{"Debug", "Info", "Warn", "Error"} {
		m.On(level, mock.Anything, mock.Anything).Return()
	}
	return m
}

// okHandler records whether it was reached
type okHandler struct {
	called bool
}

func (h *okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// counterValue reads the current value of one counter in a vector
func counterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}
