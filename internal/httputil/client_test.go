package httputil

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, c HTTPClient, url, body string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

func TestNewStandardClient(t *testing.T) {
	t.Parallel()

	assert.Same(t, http.DefaultClient, NewStandardClient(nil))
	custom := &http.Client{}
	assert.Same(t, custom, NewStandardClient(custom))
}

func TestStandardClient_Do(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	resp, err := post(t, NewStandardClient(srv.Client()), srv.URL, `{"ok":true}`)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"ok":true}`, string(b))
}

func TestMockHTTPClient(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")

	t.Run("queued responses in order then default", func(t *testing.T) {
		m := NewMockHTTPClient().AddResponse(http.StatusCreated, "a").AddErrorResponse(boom)

		resp, err := post(t, m, "http://example.test/hook", "one")
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		_, err = post(t, m, "http://example.test/hook", "two")
		assert.ErrorIs(t, err, boom)

		resp, err = post(t, m, "http://example.test/hook", "three")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		reqs := m.Requests()
		require.Len(t, reqs, 3)
		assert.Equal(t, "two", string(reqs[1].Body))
		assert.Equal(t, http.MethodPost, reqs[0].Method)
		assert.Equal(t, "application/json", reqs[2].Header.Get("Content-Type"))
		assert.Equal(t, 3, m.RequestCount())
	})

	t.Run("default error wins", func(t *testing.T) {
		m := NewMockHTTPClient().AddResponse(http.StatusOK, "")
		m.DefaultError = boom
		_, err := post(t, m, "http://example.test/hook", "x")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("do func", func(t *testing.T) {
		m := NewMockHTTPClient()
		m.DoFunc = func(req *http.Request) (*http.Response, error) {
			return newResponse(req, http.StatusTeapot, ""), nil
		}
		resp, err := post(t, m, "http://example.test/hook", "x")
		require.NoError(t, err)
		assert.Equal(t, http.StatusTeapot, resp.StatusCode)
		assert.Equal(t, "x", string(m.Requests()[0].Body))
	})
}
