package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// azureBlobStore lists and reads blobs from a container. Auth precedence:
// connection string, then shared key, then SAS token.
type azureBlobStore struct {
	accountName   string
	accountKey    string
	sasToken      string
	connString    string
	container     string
	prefix        string
	archivePrefix string

	client *azblob.Client
}

func newAzureBlobStore(b *Base) (*azureBlobStore, error) {
	container := b.configString("container", "")
	if container == "" {
		return nil, &ConfigurationError{Field: "container", Reason: "required"}
	}
	s := &azureBlobStore{
		accountName:   b.configString("account_name", ""),
		accountKey:    b.configString("account_key", ""),
		sasToken:      b.configString("sas_token", ""),
		connString:    b.configString("azure_connection_string", ""),
		container:     container,
		prefix:        b.configString("prefix", ""),
		archivePrefix: b.configString("archive_prefix", ""),
	}
	if s.connString == "" && s.accountName == "" {
		return nil, &ConfigurationError{Field: "account_name", Reason: "azure_connection_string or account_name is required"}
	}
	return s, nil
}

func (s *azureBlobStore) Connect(ctx context.Context) error {
	switch {
	case s.connString != "":
		client, err := azblob.NewClientFromConnectionString(s.connString, nil)
		if err != nil {
			return err
		}
		s.client = client
	case s.accountKey != "":
		cred, err := azblob.NewSharedKeyCredential(s.accountName, s.accountKey)
		if err != nil {
			return err
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", s.accountName)
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return err
		}
		s.client = client
	case s.sasToken != "":
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/?%s",
			s.accountName, strings.TrimPrefix(s.sasToken, "?"))
		client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
		if err != nil {
			return err
		}
		s.client = client
	default:
		return &ConfigurationError{Field: "account_key", Reason: "account_key, sas_token, or azure_connection_string is required"}
	}
	return nil
}

func (s *azureBlobStore) Close() error {
	s.client = nil
	return nil
}

func (s *azureBlobStore) List(ctx context.Context) ([]ObjectInfo, error) {
	if s.client == nil {
		return nil, errors.New("not connected")
	}
	opts := &azblob.ListBlobsFlatOptions{}
	if s.prefix != "" {
		opts.Prefix = &s.prefix
	}

	var objects []ObjectInfo
	pager := s.client.NewListBlobsFlatPager(s.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := ObjectInfo{Key: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.ModTime = *item.Properties.LastModified
				}
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

func (s *azureBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.client == nil {
		return nil, errors.New("not connected")
	}
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, &ExtractionError{Err: fmt.Errorf("blob %s disappeared during sync", key)}
		}
		return nil, err
	}
	return resp.Body, nil
}

// Archive copies the blob under the archive prefix then deletes the source.
func (s *azureBlobStore) Archive(ctx context.Context, key string) error {
	if s.archivePrefix == "" {
		return nil
	}
	if s.client == nil {
		return errors.New("not connected")
	}
	containerClient := s.client.ServiceClient().NewContainerClient(s.container)
	src := containerClient.NewBlobClient(key)
	dest := containerClient.NewBlobClient(strings.TrimSuffix(s.archivePrefix, "/") + "/" + path.Base(key))

	if _, err := dest.StartCopyFromURL(ctx, src.URL(), nil); err != nil {
		return err
	}
	_, err := s.client.DeleteBlob(ctx, s.container, key, nil)
	return err
}
