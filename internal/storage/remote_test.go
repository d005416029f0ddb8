package storage

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known Azurite development account.
const azuriteKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

func TestNewS3Backend(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	b, err := NewS3Backend(&S3Config{
		Bucket:    "flights",
		Prefix:    "/archive/",
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		PathStyle: true,
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "s3", b.Type())
	assert.Equal(t, "flights", b.Bucket())
	assert.Equal(t, "archive/INS/x.txt", b.key("/INS/x.txt"))
	assert.NoError(t, b.Close())
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(&S3Config{AccessKey: "a", SecretKey: "b"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewAzureBlobBackend(t *testing.T) {
	tests := []struct {
		name string
		cfg  AzureBlobConfig
	}{
		{
			name: "shared key",
			cfg: AzureBlobConfig{
				ContainerName: "flights",
				AccountName:   "devstoreaccount1",
				AccountKey:    azuriteKey,
				Endpoint:      "http://127.0.0.1:10000/devstoreaccount1",
			},
		},
		{
			name: "connection string",
			cfg: AzureBlobConfig{
				ContainerName: "flights",
				ConnectionString: "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" + azuriteKey +
					";BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;",
			},
		},
		{
			name: "sas token",
			cfg: AzureBlobConfig{
				ContainerName: "flights",
				AccountName:   "devstoreaccount1",
				SASToken:      "?sv=2022-11-02&sig=abc",
				Endpoint:      "http://127.0.0.1:10000/devstoreaccount1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewAzureBlobBackend(&tt.cfg, zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, "azure", b.Type())
			assert.Equal(t, "flights", b.Container())
		})
	}
}

func TestNewAzureBlobBackend_Invalid(t *testing.T) {
	_, err := NewAzureBlobBackend(&AzureBlobConfig{AccountName: "a", AccountKey: azuriteKey}, zerolog.Nop())
	assert.Error(t, err, "missing container")

	_, err = NewAzureBlobBackend(&AzureBlobConfig{ContainerName: "flights"}, zerolog.Nop())
	assert.Error(t, err, "no authentication")
}

func TestNew_RemoteBackendsAreRetried(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s3b, err := New(Options{
		Backend: "minio",
		S3:      S3Config{Bucket: "flights", Endpoint: "http://localhost:9000", AccessKey: "a", SecretKey: "b"},
		Retry:   DefaultRetryConfig(),
	}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &RetryBackend{}, s3b)
	assert.Equal(t, "s3", s3b.Type())
	assert.Equal(t, "s3://flights/INS/x.txt", Location(s3b, "INS/x.txt"))

	azb, err := New(Options{
		Backend: "azure",
		Azure: AzureBlobConfig{
			ContainerName: "flights",
			AccountName:   "devstoreaccount1",
			AccountKey:    azuriteKey,
			Endpoint:      "http://127.0.0.1:10000/devstoreaccount1",
		},
		Retry: DefaultRetryConfig(),
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "azure://flights/2/INS.parquet", Location(azb, "2/INS.parquet"))

	_, err = New(Options{Backend: "s3"}, zerolog.Nop())
	assert.Error(t, err)
}
