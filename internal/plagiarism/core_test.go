package plagiarism

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coreServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHTTPClient(ts.URL+"/", 5*time.Second)
}

func TestSearch_Success(t *testing.T) {
	client := coreServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, searchPath, r.URL.Path)
		assert.Equal(t, "Bearer core-key", r.Header.Get("Authorization"))
		assert.Equal(t, "sea levels & cities", r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalHits":2,"results":[
			{"id":4411,"title":"Sea level rise","abstract":"Coastal risk","doi":"10.1/sea","yearPublished":2019,
			 "authors":[{"name":"Ada"}],"links":[{"type":"display","url":"https://core.ac.uk/4411"}]},
			{"id":null,"doi":"10.1/other","title":"Other"}
		]}`))
	})

	works, err := client.Search(context.Background(), "core-key", "sea levels & cities", 5)
	require.NoError(t, err)
	require.Len(t, works, 2)
	assert.Equal(t, "4411", works[0].Key())
	assert.Equal(t, "Sea level rise Coastal risk", works[0].CompareText())
	assert.Equal(t, "10.1/other", works[1].Key())
}

func TestSearch_MissingResultsIsEmpty(t *testing.T) {
	client := coreServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"totalHits":0}`))
	})

	works, err := client.Search(context.Background(), "k", "q", 5)
	require.NoError(t, err)
	assert.Empty(t, works)
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, ErrRejected, true},
		{"unauthorized", http.StatusUnauthorized, ``, ErrRejected, true},
		{"server error", http.StatusBadGateway, `<html>`, ErrRejected, true},
		{"malformed body", http.StatusOK, `{"results":"nope"}`, ErrMalformedResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := coreServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Search(context.Background(), "k", "q", 5)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestSearch_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewHTTPClient(url, time.Second).Search(context.Background(), "k", "q", 5)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, IsTransient(err))
}

func TestSearch_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, 50*time.Millisecond).Search(context.Background(), "k", "q", 5)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSearch_CallerCancelledIsNotACoreFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, 5*time.Second).Search(ctx, "k", "q", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsTransient(err))
}
