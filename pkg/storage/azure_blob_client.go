// Package storage offloads batch results that are too large to publish inline
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
)

// BlobStorageClient stores and fetches large batch results
type BlobStorageClient interface {
	UploadResult(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
	DownloadResult(ctx context.Context, blobURL string) ([]byte, error)
}

// ResultPath returns the blob path for one execution's results
func ResultPath(workflowID, runID, executionID string) string {
	if workflowID == "" {
		workflowID = "adhoc"
	}
	if runID == "" {
		runID = "adhoc"
	}
	return fmt.Sprintf("results/%s/%s/%s.json", workflowID, runID, executionID)
}

// connectionString holds the parts of an Azure storage connection string used here
type connectionString struct {
	accountName string
	accountKey  string
	endpoint    string
}

// parseConnectionString reads Key=Value pairs separated by semicolons. Without
// an explicit BlobEndpoint the endpoint is derived from protocol and suffix.
func parseConnectionString(s string) (connectionString, error) {
	params := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && key != "" {
			params[key] = value
		}
	}

	cs := connectionString{
		accountName: params["AccountName"],
		accountKey:  params["AccountKey"],
		endpoint:    strings.TrimRight(params["BlobEndpoint"], "/"),
	}
	if cs.accountName == "" || cs.accountKey == "" {
		return cs, errors.New("account name and key are required in the connection string")
	}
	if cs.endpoint == "" {
		protocol := params["DefaultEndpointsProtocol"]
		if protocol == "" {
			protocol = "https"
		}
		suffix := params["EndpointSuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		cs.endpoint = fmt.Sprintf("%s://%s.blob.%s", protocol, cs.accountName, suffix)
	}
	return cs, nil
}

// AzureBlobClient implements BlobStorageClient for one container using a
// shared key. Plain http endpoints are allowed so Azurite works locally.
type AzureBlobClient struct {
	container *container.Client
	logger    *zap.Logger

	mu      sync.Mutex
	created bool
}

// NewAzureBlobClient creates a client from a standard storage connection string
func NewAzureBlobClient(connStr, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connStr == "" {
		return nil, errors.New("connection string is required")
	}
	if containerName == "" {
		return nil, errors.New("container name is required")
	}

	cs, err := parseConnectionString(connStr)
	if err != nil {
		return nil, err
	}

	credential, err := azblob.NewSharedKeyCredential(cs.accountName, cs.accountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}

	opts := &azblob.ClientOptions{}
	if strings.HasPrefix(strings.ToLower(cs.endpoint), "http://") {
		opts.ClientOptions = azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true}
	}

	service, err := azblob.NewClientWithSharedKeyCredential(cs.endpoint, credential, opts)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	return &AzureBlobClient{
		container: service.ServiceClient().NewContainerClient(containerName),
		logger:    logger.With(zap.String("container", containerName)),
	}, nil
}

// UploadResult writes data as a JSON block blob and returns its URL.
// The container is created on first use.
func (a *AzureBlobClient) UploadResult(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if blobPath == "" {
		return "", errors.New("blob path is required")
	}
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}

	blobMeta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		blobMeta[k] = to.Ptr(v)
	}

	bb := a.container.NewBlockBlobClient(blobPath)
	if _, err := bb.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata:    blobMeta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
	}); err != nil {
		a.logger.Error("Result upload failed",
			zap.String("blobPath", blobPath),
			zap.Int("sizeBytes", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Info("Result uploaded",
		zap.String("blobPath", blobPath),
		zap.Int("sizeBytes", len(data)))
	return bb.URL(), nil
}

// DownloadResult reads a blob given its URL or its path inside the container
func (a *AzureBlobClient) DownloadResult(ctx context.Context, reference string) ([]byte, error) {
	blobPath, err := a.blobPath(reference)
	if err != nil {
		return nil, err
	}

	resp, err := a.container.NewBlobClient(blobPath).DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.created {
		return nil
	}
	if _, err := a.container.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to ensure container: %w", err)
	}
	a.created = true
	return nil
}

// blobPath turns a blob URL issued by this container, or a bare path, into the
// path relative to the container.
func (a *AzureBlobClient) blobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", errors.New("blob reference is required")
	}

	prefix := a.container.URL() + "/"
	if strings.HasPrefix(ref, prefix) {
		ref = strings.TrimPrefix(ref, prefix)
		ref, _, _ = strings.Cut(ref, "?")
		if decoded, err := url.PathUnescape(ref); err == nil {
			ref = decoded
		}
	} else if strings.Contains(ref, "://") {
		return "", fmt.Errorf("blob %q is outside container %s", reference, a.container.URL())
	}

	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return "", errors.New("blob path is empty")
	}
	return ref, nil
}
