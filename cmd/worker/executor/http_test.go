package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/common/models"
)

func httpJob(url string, extra map[string]interface{}) *models.QueueJob {
	with := map[string]interface{}{"url": url}
	for k, v := range extra {
		with[k] = v
	}
	return &models.QueueJob{
		Action:       map[string]interface{}{"type": "http"},
		InputContext: map[string]interface{}{"with": with},
	}
}

func TestHTTPExecutorGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "berlin", r.URL.Query().Get("city"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"temp": 18.5})
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(5*time.Second, testLogger{})
	job := httpJob(srv.URL, map[string]interface{}{
		"params": map[string]interface{}{"city": "berlin"},
	})

	result, err := ex.Execute(context.Background(), job)
	require.NoError(t, err)

	payload := result.(map[string]interface{})
	assert.Equal(t, 200, payload["status_code"])
	data := payload["data"].(map[string]interface{})
	assert.Equal(t, 18.5, data["temp"])
}

func TestHTTPExecutorPostPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rome", body["city"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(5*time.Second, testLogger{})
	job := httpJob(srv.URL, map[string]interface{}{
		"method":  "POST",
		"payload": map[string]interface{}{"city": "rome"},
		"headers": map[string]interface{}{"X-Token": "secret"},
	})

	result, err := ex.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 201, result.(map[string]interface{})["status_code"])
}

func TestHTTPExecutorClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such city", http.StatusNotFound)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(5*time.Second, testLogger{})
	_, err := ex.Execute(context.Background(), httpJob(srv.URL, nil))

	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestHTTPExecutorServerErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(5*time.Second, testLogger{})
	_, err := ex.Execute(context.Background(), httpJob(srv.URL, nil))

	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

func TestHTTPExecutorMissingEndpointIsFatal(t *testing.T) {
	ex := NewHTTPExecutor(5*time.Second, testLogger{})
	job := &models.QueueJob{
		Action:       map[string]interface{}{"type": "http"},
		InputContext: map[string]interface{}{},
	}

	_, err := ex.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestHTTPExecutorNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(5*time.Second, testLogger{})
	result, err := ex.Execute(context.Background(), httpJob(srv.URL, nil))
	require.NoError(t, err)

	assert.Equal(t, "plain text", result.(map[string]interface{})["data"])
}
