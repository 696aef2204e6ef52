package streamchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects callback invocations.
type recorder struct {
	chunks    []string
	fullTexts []string
	completes []string
	errors    []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(content, fullText string, progress float64) {
			r.chunks = append(r.chunks, content)
			r.fullTexts = append(r.fullTexts, fullText)
		},
		OnComplete: func(fullText string) { r.completes = append(r.completes, fullText) },
		OnError:    func(message string) { r.errors = append(r.errors, message) },
	}
}

func newTestClient(url string) *Client {
	c := NewClient(url, zerolog.Nop())
	c.sim = &Simulator{pick: func(int) int { return 0 }}
	return c
}

func TestStreamHelloThere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/streaming-chat/stream", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hi", req.Message)
		assert.Equal(t, "Ada", req.UserProfile.FirstName)

		fmt.Fprint(w, "data: {\"type\":\"start\"}\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, "data: {\"type\":\"chunk\",\"content\":\"Hello\",\"fullText\":\"Hello\",\"progress\":0.5}\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, "data: {\"type\":\"chunk\",\"content\":\" there\",\"fullText\":\"Hello there\",\"progress\":1}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"complete\"}\n\n")
	}))
	defer srv.Close()

	var rec recorder
	text, err := newTestClient(srv.URL).Stream(context.Background(), "Hi",
		ChatContext{UserProfile: &UserProfile{FirstName: "Ada"}}, rec.callbacks())

	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)
	assert.Equal(t, []string{"Hello", " there"}, rec.chunks)
	assert.Equal(t, []string{"Hello", "Hello there"}, rec.fullTexts)
	assert.Equal(t, []string{"Hello there"}, rec.completes)
	assert.Empty(t, rec.errors)
}

func TestStreamIgnoresChunksWithoutFullText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"chunk\",\"content\":\"x\"}\n")
		fmt.Fprint(w, "data: {\"type\":\"chunk\",\"content\":\"\",\"fullText\":\"y\"}\n")
		fmt.Fprint(w, "data: {\"type\":\"complete\"}\n")
	}))
	defer srv.Close()

	var rec recorder
	text, err := newTestClient(srv.URL).Stream(context.Background(), "Hi", ChatContext{}, rec.callbacks())

	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Empty(t, rec.chunks)
	assert.Equal(t, []string{""}, rec.completes)
}

func TestStreamErrorRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"error\"}\n")
		fmt.Fprint(w, "data: {\"type\":\"error\",\"message\":\"quota\"}\n")
	}))
	defer srv.Close()

	var rec recorder
	_, err := newTestClient(srv.URL).Stream(context.Background(), "Hi", ChatContext{}, rec.callbacks())

	require.NoError(t, err)
	assert.Equal(t, []string{"Unknown error", "quota"}, rec.errors)
	assert.Empty(t, rec.completes, "an error record is not a transport failure")
}

func TestStreamFallsBackOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var rec recorder
	text, err := newTestClient(srv.URL).Stream(context.Background(), "Hi", ChatContext{}, rec.callbacks())

	require.NoError(t, err)
	require.Len(t, rec.errors, 1)
	assert.Contains(t, rec.errors[0], "500")
	assert.Equal(t, simulatedResponses[0], text)
	assert.Equal(t, []string{simulatedResponses[0]}, rec.completes)
	assert.NotEmpty(t, rec.chunks)
}

func TestStreamFallsBackOnDialError(t *testing.T) {
	var rec recorder
	text, err := newTestClient("http://127.0.0.1:1").Stream(context.Background(), "Hi", ChatContext{}, rec.callbacks())

	require.NoError(t, err)
	assert.Len(t, rec.errors, 1)
	assert.NotEmpty(t, text)
	assert.Len(t, rec.completes, 1)
}

func TestStreamFallsBackOnReadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		defer conn.Close()

		line := "data: {\"type\":\"chunk\",\"content\":\"Hel\",\"fullText\":\"Hel\",\"progress\":0.2}\n"
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		fmt.Fprintf(buf, "%x\r\n%s\r\n", len(line), line)
		require.NoError(t, buf.Flush())
		// Drop the connection without the terminating chunk.
	}))
	defer srv.Close()

	var rec recorder
	text, err := newTestClient(srv.URL).Stream(context.Background(), "Hi", ChatContext{}, rec.callbacks())

	require.NoError(t, err)
	require.Len(t, rec.errors, 1)
	assert.Contains(t, rec.errors[0], "read stream")
	require.NotEmpty(t, rec.chunks)
	assert.Equal(t, "Hel", rec.chunks[0])
	assert.Equal(t, simulatedResponses[0], text)
	assert.Equal(t, []string{simulatedResponses[0]}, rec.completes)
}

func TestStreamCancelledDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rec recorder
	_, err := newTestClient("http://127.0.0.1:1").Stream(ctx, "Hi", ChatContext{}, rec.callbacks())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.errors)
	assert.Empty(t, rec.completes)
}

func TestSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/streaming-chat/chat", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Message {
		case "ok":
			w.Write([]byte(`{"success":true,"response":"Sure."}`))
		case "nope":
			w.Write([]byte(`{"success":false,"error":"rejected"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	reply, err := c.Send(context.Background(), "ok", ChatContext{})
	require.NoError(t, err)
	assert.Equal(t, "Sure.", reply)

	_, err = c.Send(context.Background(), "nope", ChatContext{})
	assert.EqualError(t, err, "rejected")

	_, err = c.Send(context.Background(), "other", ChatContext{})
	assert.Error(t, err)
}

func TestCheckHealth(t *testing.T) {
	healthServer := func(body string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/streaming-chat/health", r.URL.Path)
			w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	up := healthServer(`{"success":true,"health":{"streaming":true}}`)
	assert.True(t, newTestClient(up.URL).CheckHealth(context.Background()))

	noStream := healthServer(`{"success":true,"health":{"streaming":false}}`)
	assert.False(t, newTestClient(noStream.URL).CheckHealth(context.Background()))

	assert.False(t, newTestClient("http://127.0.0.1:1").CheckHealth(context.Background()))
}
