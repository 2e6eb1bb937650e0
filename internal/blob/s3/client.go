// Package s3 holds the original uploaded files. Clients never stream
// file bytes through the API server: uploads go straight to the bucket
// via presigned URLs and the ingestion workers read them back here.
package s3

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/raghub/backend/pkg/logger"
)

type Client struct {
	client    *awss3.Client
	presign   *awss3.PresignClient
	bucket    string
	uploadTTL time.Duration
}

// PresignedUpload is handed to the client for a direct PUT to the
// bucket. Locator is the bucket key the server records on the document.
type PresignedUpload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Locator string            `json:"locator"`
}

func NewClient(ctx context.Context, region, endpoint, bucket string, forcePathStyle bool, uploadTTLSec int) (*Client, error) {
	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, opts ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               endpoint,
				HostnameImmutable: true,
				SigningRegion:     region,
			}, nil
		})
		options = append(options, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Options := []func(*awss3.Options){}
	if forcePathStyle {
		s3Options = append(s3Options, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	client := awss3.NewFromConfig(awsCfg, s3Options...)

	if uploadTTLSec <= 0 {
		uploadTTLSec = 900
	}

	logger.Info("Blob store initialized",
		zap.String("bucket", bucket),
		zap.String("region", region),
	)

	return &Client{
		client:    client,
		presign:   awss3.NewPresignClient(client),
		bucket:    bucket,
		uploadTTL: time.Duration(uploadTTLSec) * time.Second,
	}, nil
}

// ObjectKey builds the bucket key for a document. Keys are prefixed by
// tenant so bucket policies and lifecycle rules can act per tenant.
func ObjectKey(tenantID, categoryID, documentID, fileName string) string {
	return fmt.Sprintf("tenants/%s/%s/%s/%s", tenantID, categoryID, documentID, fileName)
}

// PresignUpload signs a PUT for the given key. ContentLength and
// ContentType are baked into the signature so the client cannot upload
// a different size or type than was validated.
func (c *Client) PresignUpload(ctx context.Context, key, contentType string, contentLength int64) (*PresignedUpload, error) {
	req, err := c.presign.PresignPutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(contentLength),
	}, awss3.WithPresignExpires(c.uploadTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	headers := map[string]string{
		"Content-Type":   contentType,
		"Content-Length": fmt.Sprintf("%d", contentLength),
	}
	return &PresignedUpload{
		URL:     req.URL,
		Method:  req.Method,
		Headers: headers,
		Locator: key,
	}, nil
}

// Fetch reads the object bytes for ingestion.
func (c *Client) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Head reports whether the object exists and its stored size, used to
// confirm the client completed its presigned upload before ingesting.
func (c *Client) Head(ctx context.Context, key string) (int64, error) {
	out, err := c.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete removes the original file after a document soft delete.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}
