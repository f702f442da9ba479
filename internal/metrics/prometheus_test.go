package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	RegisterMetricsEndpoint(router)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestRecordLockOperation(t *testing.T) {
	before := testutil.ToFloat64(LockOperations.WithLabelValues("acquire", LockResultLostRace))

	RecordLockOperation("acquire", LockResultLostRace)
	RecordLockOperation("acquire", LockResultLostRace)

	after := testutil.ToFloat64(LockOperations.WithLabelValues("acquire", LockResultLostRace))
	assert.Equal(t, before+2, after)
}

func TestRecordLockOperationDuration(t *testing.T) {
	// This should not panic
	RecordLockOperationDuration("acquire", 0.002)
	RecordLockOperationDuration("release", 0.001)
}

func TestRecordUserCreatedAndLogin(t *testing.T) {
	before := testutil.ToFloat64(UsersCreated.WithLabelValues("duplicate"))
	RecordUserCreated("duplicate")
	assert.Equal(t, before+1, testutil.ToFloat64(UsersCreated.WithLabelValues("duplicate")))

	before = testutil.ToFloat64(LoginAttempts.WithLabelValues("failed"))
	RecordLoginAttempt("failed")
	assert.Equal(t, before+1, testutil.ToFloat64(LoginAttempts.WithLabelValues("failed")))
}

func TestSetStoreUp(t *testing.T) {
	SetStoreUp(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(StoreUp))

	SetStoreUp(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(StoreUp))
}

func TestRecordStoreQuery(t *testing.T) {
	// This should not panic
	RecordStoreQuery("memory", "update", 0.0001)
	RecordStoreQuery("postgres", "get", 0.01)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.POST("/api/v1/users/:id/acquire-lock", func(c *gin.Context) {
		c.Status(http.StatusConflict)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/users/:id/acquire-lock", "409"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/123/acquire-lock", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/users/:id/acquire-lock", "409"))
	assert.Equal(t, before+1, after)

	req = httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}
