package s3

import (
	"bytes"
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw         string
		bucket, key string
		wantErr     bool
	}{
		{raw: "s3://models/author/model/model.h5", bucket: "models", key: "author/model/model.h5"},
		{raw: "s3://models/", wantErr: true},
		{raw: "https://models/x.h5", wantErr: true},
		{raw: "s3:///x.h5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			bucket, key, err := ParseURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", got)

	_, err = encodeSHA256("")
	require.Error(t, err)
	_, err = encodeSHA256("abcd")
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("S3_ENDPOINT", "minio:9000")
	t.Setenv("S3_REGION", "")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("S3_DISABLE_TLS", "true")
	t.Setenv("S3_FORCE_PATH_STYLE", "")

	cfg := ConfigFromEnv()
	assert.Equal(t, "minio:9000", cfg.Endpoint)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.True(t, cfg.DisableTLS)
	assert.True(t, cfg.ForcePathStyle)
}

func TestNewRejectsHalfCredentials(t *testing.T) {
	_, err := New(context.Background(), Config{AccessKey: "a"})
	require.Error(t, err)
}

func TestNewWithCABundle(t *testing.T) {
	tlsSrv := httptest.NewTLSServer(http.NotFoundHandler())
	defer tlsSrv.Close()
	bundle := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: tlsSrv.Certificate().Raw}), 0o600))
	t.Setenv("AWS_CA_BUNDLE", bundle)

	c := newTestClient(t, "http://localhost:9000")
	_, err := c.PresignGet(context.Background(), "quarantine", "author/model/model.h5", time.Minute)
	require.NoError(t, err)
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		AccessKey:      "access",
		SecretKey:      "secret",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	return c
}

func TestPresign(t *testing.T) {
	c := newTestClient(t, "http://localhost:9000")

	get, err := c.PresignGet(context.Background(), "quarantine", "author/model/model.h5", 10*time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(get)
	require.NoError(t, err)
	assert.Equal(t, "/quarantine/author/model/model.h5", u.Path)
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))

	put, err := c.PresignPut(context.Background(), "intake", "uploads/x.h5", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, put, "/intake/uploads/x.h5")
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models/author/model/keras_metadata.pb" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("metadata bytes"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	dir := t.TempDir()

	path, err := c.Download(context.Background(), "models", "author/model/keras_metadata.pb", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "keras_metadata.pb"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "metadata bytes", string(data))

	var buf bytes.Buffer
	_, err = c.GetObject(context.Background(), "models", "missing", &buf)
	require.Error(t, err)
}
