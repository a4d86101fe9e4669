// Package s3 implements the Storage contract against any S3-compatible
// object store (AWS, MinIO, OSS, R2).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/types"
)

// presignExpiry is the lifetime of signed GET URLs when no CDN prefix is
// configured.
const presignExpiry = 24 * time.Hour

// multiDeleteBatch is the S3 multi-delete request cap.
const multiDeleteBatch = 1000

// Options describes one configured S3-compatible backend instance.
type Options struct {
	ID        types.BackendID
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	SSL       bool
	Proxy     string
	// URLPrefix overrides URL() with "<prefix>/<key>" (CDN in front of the
	// bucket) instead of a presigned URL.
	URLPrefix string
}

// compile-time interface check.
var _ storage.Storage = (*S3)(nil)

// S3 is one bucket on one S3-compatible endpoint.
type S3 struct {
	opts     Options
	client   *awss3.Client
	uploader *s3manager.Uploader
	presign  *awss3.PresignClient
}

// New builds the client stack for one backend instance.
func New(ctx context.Context, opts Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend %s: bucket required", opts.ID)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %s: %w", opts.Proxy, err)
		}
		httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
			tr.Proxy = http.ProxyURL(proxyURL)
		})
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(httpClient))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(opts.Endpoint, opts.SSL))
		}
		o.UsePathStyle = opts.PathStyle
	})

	log.WithFunc("s3.New").Infof(ctx, "s3 backend %s initialized (bucket %s)", opts.ID, opts.Bucket)

	return &S3{
		opts:     opts,
		client:   client,
		uploader: s3manager.NewUploader(client),
		presign:  awss3.NewPresignClient(client),
	}, nil
}

// endpointURL prepends a scheme when the configured endpoint has none.
func endpointURL(endpoint string, ssl bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if ssl {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (s *S3) Type() types.BackendID {
	return s.opts.ID
}

func (s *S3) Upload(ctx context.Context, r io.Reader, p string) (string, error) {
	key := cleanKey(p)
	_, err := s.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentTypeForPath(key)),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (s *S3) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	key := cleanKey(p)
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, p string) error {
	key := cleanKey(p)
	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteBatch issues multi-delete requests and maps per-key errors back to
// their input positions. Keys the service does not report are successes.
func (s *S3) DeleteBatch(ctx context.Context, paths []string) []error {
	errs := make([]error, len(paths))
	indexByKey := make(map[string][]int, len(paths))
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = cleanKey(p)
		indexByKey[keys[i]] = append(indexByKey[keys[i]], i)
	}

	for start := 0; start < len(keys); start += multiDeleteBatch {
		end := min(start+multiDeleteBatch, len(keys))

		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(s.opts.Bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(false)},
		})
		if err != nil {
			for i := start; i < end; i++ {
				errs[i] = fmt.Errorf("multi-delete: %w", err)
			}
			continue
		}
		for _, e := range out.Errors {
			key := aws.ToString(e.Key)
			msg := aws.ToString(e.Message)
			for _, i := range indexByKey[key] {
				errs[i] = fmt.Errorf("delete %s: %s", key, msg)
			}
		}
	}
	return errs
}

// Exists issues a HEAD request; a 404 is (false, nil).
func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	key := cleanKey(p)
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}

func (s *S3) URL(ctx context.Context, p string) (string, error) {
	key := cleanKey(p)
	if s.opts.URLPrefix != "" {
		return strings.TrimRight(s.opts.URLPrefix, "/") + "/" + key, nil
	}
	req, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Move is copy-then-delete: S3 has no atomic rename.
func (s *S3) Move(ctx context.Context, oldPath, newPath string) error {
	from, to := cleanKey(oldPath), cleanKey(newPath)
	if _, err := s.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(s.opts.Bucket),
		Key:        aws.String(to),
		CopySource: aws.String(url.PathEscape(s.opts.Bucket + "/" + from)),
	}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("copy %s: %w", from, storage.ErrNotFound)
		}
		return fmt.Errorf("copy %s -> %s: %w", from, to, err)
	}
	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(from),
	}); err != nil {
		return fmt.Errorf("delete source %s: %w", from, err)
	}
	return nil
}

func (s *S3) MoveBatch(ctx context.Context, pairs []storage.MovePair) []error {
	return storage.RunBatch(ctx, len(pairs), func(ctx context.Context, i int) error {
		return s.Move(ctx, pairs[i].From, pairs[i].To)
	})
}

// Stats: object stores expose no quota through the S3 API, so the backend
// reports zeros and the aggregate view shows capacity only for backends that
// have one.
func (s *S3) Stats(_ context.Context) (types.StorageStats, error) {
	return types.StorageStats{}, nil
}

func cleanKey(p string) string {
	return strings.TrimLeft(p, "/")
}

// isNotFound classifies a vendor error as 404, checking the API error code
// first and falling back to the HTTP status and message.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return strings.Contains(err.Error(), "StatusCode: 404")
}
