package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/logger"
)

type recordedRequest struct {
	method string
	path   string
}

func newCatalogServer(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, recordedRequest{method: r.Method, path: r.URL.Path})
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return NewHTTPClient(server.URL+"/", time.Second, logger.Nop()), &requests
}

func TestHTTPClient_Reserve(t *testing.T) {
	client, requests := newCatalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Vintage camera","description":"Works","price":"80.50","status":"InAuction"}`))
	})

	snapshot, err := client.Reserve(context.Background(), "p1", "a1")
	require.NoError(t, err)

	assert.Equal(t, []recordedRequest{{method: http.MethodPut, path: "/api/catalog/product/p1/auction/a1"}}, *requests)
	assert.Equal(t, "p1", snapshot.ProductID)
	assert.Equal(t, "Vintage camera", snapshot.Title)
	assert.Equal(t, "80.5", snapshot.Price.String())
	assert.Equal(t, domain.ProductInAuction, snapshot.Status)
}

func TestHTTPClient_ReserveFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   error
	}{
		{"unknown product", http.StatusNotFound, "", domain.ErrNotFound},
		{"already in auction", http.StatusConflict, "product is InAuction", domain.ErrProductUnavailable},
		{"not approved", http.StatusUnprocessableEntity, "product is Pending", domain.ErrProductUnavailable},
		{"catalog broken", http.StatusInternalServerError, "boom", domain.ErrRemoteDependency},
		{"garbage body", http.StatusOK, "{", domain.ErrRemoteDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newCatalogServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Reserve(context.Background(), "p1", "a1")
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestHTTPClient_StatusTransitions(t *testing.T) {
	client, requests := newCatalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	require.NoError(t, client.MarkSold(ctx, "p1"))
	require.NoError(t, client.MarkFailed(ctx, "p2"))
	require.NoError(t, client.Release(ctx, "p3"))

	assert.Equal(t, []recordedRequest{
		{method: http.MethodPut, path: "/api/catalog/product/p1/status/Sold"},
		{method: http.MethodPut, path: "/api/catalog/product/p2/status/FailedInAuction"},
		{method: http.MethodPut, path: "/api/catalog/product/p3/status/Available"},
	}, *requests)
}

func TestHTTPClient_StatusFailure(t *testing.T) {
	client, _ := newCatalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
	})

	err := client.MarkSold(context.Background(), "p1")
	assert.True(t, errors.Is(err, domain.ErrRemoteDependency))
	assert.ErrorContains(t, err, "catalog unavailable")
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewHTTPClient(server.URL, 20*time.Millisecond, logger.Nop())
	err := client.Release(context.Background(), "p1")
	assert.True(t, errors.Is(err, domain.ErrRemoteDependency), "got %v", err)
}

func TestHTTPClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPClient(url, time.Second, logger.Nop()).Reserve(context.Background(), "p1", "a1")
	assert.True(t, errors.Is(err, domain.ErrRemoteDependency), "got %v", err)
}
