package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/orchestrator"
)

type blobUploader interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// AzureBlob writes each result as results/<session_id>.json in a container.
type AzureBlob struct {
	client    blobUploader
	container string
}

// OpenAzureBlob authenticates with the connection string when given, and
// with the default Azure credential chain against accountURL otherwise.
func OpenAzureBlob(connectionString, accountURL, container string) (*AzureBlob, error) {
	if container == "" {
		return nil, calltest.NewError(calltest.CodeConfig, "AZURE_STORAGE_CONTAINER", errors.New("store: azure container is required"))
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case connectionString != "":
		client, err = azblob.NewClientFromConnectionString(connectionString, nil)
	case accountURL != "":
		cred, cerr := azidentity.NewDefaultAzureCredential(nil)
		if cerr != nil {
			return nil, fmt.Errorf("store: azure credential: %w", cerr)
		}
		client, err = azblob.NewClient(accountURL, cred, nil)
	default:
		return nil, calltest.NewError(calltest.CodeConfig, "AZURE_STORAGE_ACCOUNT_URL",
			errors.New("store: azure connection string or account url is required"))
	}
	if err != nil {
		return nil, fmt.Errorf("store: azure blob client: %w", err)
	}
	return newAzureBlob(client, container), nil
}

func newAzureBlob(client blobUploader, container string) *AzureBlob {
	return &AzureBlob{client: client, container: container}
}

// Save uploads the result.
func (a *AzureBlob) Save(ctx context.Context, result *orchestrator.TestResult) error {
	if result == nil || result.SessionID == "" {
		return errors.New("store: result without session id")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	_, err = a.client.UploadBuffer(ctx, a.container, "results/"+result.SessionID+".json", body, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
		Metadata: map[string]*string{
			"call_status": to.Ptr(string(result.CallStatus)),
		},
	})
	if err != nil {
		return fmt.Errorf("store: upload result: %w", err)
	}
	return nil
}

func (a *AzureBlob) Close() error { return nil }
