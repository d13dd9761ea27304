package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/paybridge/internal/device/emulator"
	"github.com/codefionn/paybridge/internal/protocol"
	"github.com/codefionn/paybridge/internal/registry"
	"github.com/codefionn/paybridge/internal/web"
)

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		kind    protocol.Kind
		wantErr bool
	}{
		{"status", []string{"-context", "A"}, protocol.KindStatus, false},
		{"initialize", []string{"-context", "A", "-type", "initialize", "-device", "emu-1"}, protocol.KindInitialize, false},
		{"initialize without device", []string{"-context", "A", "-type", "initialize"}, "", true},
		{"process", []string{"-context", "A", "-type", "process", "-amount", "100", "-currency", "EUR"}, protocol.KindProcess, false},
		{"process without currency", []string{"-context", "A", "-type", "process", "-amount", "100"}, "", true},
		{"finish", []string{"-context", "A", "-type", "finish", "-print-receipt"}, protocol.KindFinish, false},
		{"display", []string{"-context", "A", "-type", "display_message", "-message", "Hi"}, protocol.KindDisplayMessage, false},
		{"unknown", []string{"-context", "A", "-type", "refund"}, protocol.KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseFlags(tt.args)
			require.NoError(t, err)
			req, err := buildRequest(opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, req.Type)
			assert.Equal(t, "A", req.ContextID)
		})
	}
}

func TestContextRequired(t *testing.T) {
	_, err := parseFlags([]string{"-type", "status"})
	assert.Error(t, err)
}

func TestRunAgainstBridge(t *testing.T) {
	reg := registry.New(emulator.New(emulator.Config{}))
	srv := web.NewServer(reg, web.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		ts.Close()
		_ = srv.Stop()
		reg.CloseAll(context.Background())
	}()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	var out bytes.Buffer
	require.NoError(t, run([]string{"-url", url, "-context", "A", "-type", "list_devices"}, &out))
	assert.Contains(t, out.String(), `"response_type":"devices_listed"`)
	assert.Contains(t, out.String(), `"emu-1"`)

	out.Reset()
	err := run([]string{"-url", url, "-context", "A", "-type", "finish"}, &out)
	assert.True(t, errors.Is(err, errResponse))
	assert.Contains(t, out.String(), `"response_type":"error"`)
}
