package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintHealth(t *testing.T) {
	var buf bytes.Buffer
	printHealth(&buf, []byte(`{"status":"healthy","version":"1.0.0","environment":"development","uptime":12,
		"services":{"vonage":"mock","foxit":"operational","redis":"operational"}}`))

	want := "API healthy (version 1.0.0, development, up 12s)\n" +
		"  foxit        operational\n" +
		"  redis        operational\n" +
		"  vonage       mock\n"
	assert.Equal(t, want, buf.String())
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	body, err := getJSON(context.Background(), srv.URL+"/health")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	_, err = getJSON(context.Background(), srv.URL+"/down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
