package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQueryURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		want    string
		wantErr bool
	}{
		{name: "host and port only", rawURL: "localhost:9000", want: "http://localhost:9000/query"},
		{name: "scheme without path", rawURL: "http://agent:9000", want: "http://agent:9000/query"},
		{name: "root path", rawURL: "http://agent:9000/", want: "http://agent:9000/query"},
		{name: "custom path kept", rawURL: "https://agent.example.com/api/v1/queries", want: "https://agent.example.com/api/v1/queries"},
		{name: "custom path trailing slash trimmed", rawURL: "http://agent/api/", want: "http://agent/api"},
		{name: "bare host", rawURL: "agent.internal", want: "http://agent.internal/query"},
		{name: "empty", rawURL: "", wantErr: true},
		{name: "scheme only", rawURL: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildQueryURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartQuery(t *testing.T) {
	t.Run("puts the payload to the query endpoint", func(t *testing.T) {
		var gotMethod, gotPath, gotAuth, gotContentType string
		var gotBody []byte
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			gotContentType = r.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, err := New(server.URL, "agent-token")
		require.NoError(t, err)

		err = client.StartQuery(context.Background(), "abc-123", []byte(`{"uuid":"abc-123","prompt":"p"}`))
		require.NoError(t, err)
		assert.Equal(t, http.MethodPut, gotMethod)
		assert.Equal(t, "/query/abc-123", gotPath)
		assert.Equal(t, "Bearer agent-token", gotAuth)
		assert.Equal(t, "application/json", gotContentType)
		assert.JSONEq(t, `{"uuid":"abc-123","prompt":"p"}`, string(gotBody))
	})

	t.Run("no auth header when token empty", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		client, err := New(server.URL, "")
		require.NoError(t, err)

		require.NoError(t, client.StartQuery(context.Background(), "abc", []byte(`{}`)))
		assert.Empty(t, gotAuth)
	})

	t.Run("custom endpoint path", func(t *testing.T) {
		var gotPath string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, err := New(server.URL+"/api/v2/queries", "")
		require.NoError(t, err)

		require.NoError(t, client.StartQuery(context.Background(), "abc", []byte(`{}`)))
		assert.Equal(t, "/api/v2/queries/abc", gotPath)
	})

	t.Run("non-2xx surfaces status and body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("agent is draining"))
		}))
		defer server.Close()

		client, err := New(server.URL, "")
		require.NoError(t, err)

		err = client.StartQuery(context.Background(), "abc", []byte(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
		assert.Contains(t, err.Error(), "agent is draining")
	})

	t.Run("non-2xx without body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client, err := New(server.URL, "")
		require.NoError(t, err)

		err = client.StartQuery(context.Background(), "abc", []byte(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, err := New(server.URL, "")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.Error(t, client.StartQuery(ctx, "abc", []byte(`{}`)))
	})

	t.Run("unreachable agent", func(t *testing.T) {
		client, err := New("http://127.0.0.1:1", "")
		require.NoError(t, err)

		require.Error(t, client.StartQuery(context.Background(), "abc", []byte(`{}`)))
	})
}

func TestCancelQuery(t *testing.T) {
	t.Run("deletes the query resource", func(t *testing.T) {
		var gotMethod, gotPath, gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, err := New(server.URL, "agent-token")
		require.NoError(t, err)

		require.NoError(t, client.CancelQuery(context.Background(), "abc-123"))
		assert.Equal(t, http.MethodDelete, gotMethod)
		assert.Equal(t, "/query/abc-123", gotPath)
		assert.Equal(t, "Bearer agent-token", gotAuth)
	})

	t.Run("404 from the agent is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client, err := New(server.URL, "")
		require.NoError(t, err)

		err = client.CancelQuery(context.Background(), "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})
}
