package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req synthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "你好。", req.Text)
		assert.Equal(t, "zh", req.Language)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF...."))
	}))
	defer srv.Close()

	out, err := NewHTTPClient(srv.URL, "zh", time.Second).Synthesize(context.Background(), "你好。")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF...."), out)
}

func TestHTTPClient_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }, func(t *testing.T, err error) {
			assert.EqualError(t, err, "tts http status=500 body=oops")
		}},
		{"empty_body", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrEmptyAudio)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := NewHTTPClient(srv.URL, "zh", time.Second).Synthesize(context.Background(), "hi")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
	_, err := NewHTTPClient("http://127.0.0.1:1", "zh", time.Second).Synthesize(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyText)
}

func TestHTTPClient_TransportErrorKeepsCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPClient(addr, "zh", time.Second).Synthesize(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "tts http: "), err.Error())
	var urlErr *url.Error
	assert.ErrorAs(t, err, &urlErr)
}
