package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobBackend stores objects as block blobs in one container.
type AzureBlobBackend struct {
	client        *azblob.Client
	containerName string
	prefix        string
	logger        zerolog.Logger
}

// AzureBlobConfig holds Azure Blob Storage configuration. The first
// complete authentication method wins: connection string, SAS token,
// shared key, then managed identity.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool

	ContainerName string
	Prefix        string
	Endpoint      string // e.g. an Azurite URL
}

// NewAzureBlobBackend creates an Azure Blob Storage client.
func NewAzureBlobBackend(cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("Azure container name is required")
	}
	log := logger.With().Str("component", "azure-storage").Str("container", cfg.ContainerName).Logger()

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	var (
		client *azblob.Client
		err    error
		method string
	)
	switch {
	case cfg.ConnectionString != "":
		method = "connection string"
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)

	case cfg.AccountName != "" && cfg.SASToken != "":
		method = "SAS token"
		serviceURL := endpoint + "?" + strings.TrimPrefix(cfg.SASToken, "?")
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)

	case cfg.AccountName != "" && cfg.AccountKey != "":
		method = "shared key"
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		}

	case cfg.UseManagedIdentity && cfg.AccountName != "":
		method = "managed identity"
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			client, err = azblob.NewClient(endpoint, cred, nil)
		}

	default:
		return nil, fmt.Errorf("no Azure authentication configured: provide connection_string, account_name+account_key, account_name+sas_token, or account_name+use_managed_identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client with %s: %w", method, err)
	}
	log.Info().Str("auth", method).Msg("Configured Azure Blob Storage")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.ServiceClient().NewContainerClient(cfg.ContainerName).GetProperties(ctx, nil); err != nil {
		log.Warn().Err(err).Msg("Could not verify container exists")
	}

	return &AzureBlobBackend{
		client:        client,
		containerName: cfg.ContainerName,
		prefix:        normalizePrefix(cfg.Prefix),
		logger:        log,
	}, nil
}

func (b *AzureBlobBackend) name(path string) string {
	return b.prefix + strings.TrimPrefix(path, "/")
}

func (b *AzureBlobBackend) blobClient(path string) *blob.Client {
	return b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(b.name(path))
}

// Write uploads data as a block blob.
func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	contentType := "application/octet-stream"
	blockBlob := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlockBlobClient(b.name(path))

	_, err := blockBlob.UploadStream(ctx, bytes.NewReader(data), &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		b.logger.Error().Err(err).Str("path", path).Int("size", len(data)).Msg("Failed to write to Azure Blob Storage")
		return fmt.Errorf("failed to write to Azure Blob Storage: %w", err)
	}

	b.logger.Debug().
		Str("path", path).
		Int("size", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Wrote to Azure Blob Storage")
	return nil
}

// Read downloads the blob at path.
func (b *AzureBlobBackend) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := b.blobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from Azure Blob Storage: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Azure blob body: %w", err)
	}
	return data, nil
}

// List pages through the flat blob listing under prefix.
func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	full := b.name(prefix)
	blobs := []string{}
	pager := b.client.ServiceClient().NewContainerClient(b.containerName).NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &full,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				blobs = append(blobs, strings.TrimPrefix(*item.Name, b.prefix))
			}
		}
	}
	slices.Sort(blobs)
	return blobs, nil
}

// Delete removes the blob at path.
func (b *AzureBlobBackend) Delete(ctx context.Context, path string) error {
	if _, err := b.blobClient(path).Delete(ctx, nil); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob Storage: %w", err)
	}
	b.logger.Debug().Str("path", path).Msg("Deleted from Azure Blob Storage")
	return nil
}

// Exists fetches the blob properties.
func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := b.blobClient(path).GetProperties(ctx, nil); err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check Azure blob existence: %w", err)
	}
	return true, nil
}

func (b *AzureBlobBackend) Close() error { return nil }

// Container returns the container name.
func (b *AzureBlobBackend) Container() string { return b.containerName }

func (b *AzureBlobBackend) Type() string { return "azure" }

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "BlobNotFound")
}
