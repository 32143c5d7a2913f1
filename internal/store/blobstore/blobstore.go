// Package blobstore implements the remote document library as an S3 compatible
// bucket. Objects are keyed <prefix>/<split>/<name>.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/splitsync/internal/store"
)

const metaModTime = "mtime"

type Config struct {
	Bucket        string
	Prefix        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string // set for minio and other S3 compatible services
	UseAccelerate bool
}

// api is the subset of the S3 client the adapter needs.
type api interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Adapter is the S3 backed remote store.
type Adapter struct {
	client api
	bucket string
	prefix string
}

// New builds an adapter with its own tuned HTTP client. SDK level retries are
// disabled because the sync executor applies its own policy.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blobstore: bucket is required")
	}

	// buildable so AWS_CA_BUNDLE can still install its root CAs
	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.MaxIdleConns = 64
		tr.MaxIdleConnsPerHost = 32
		tr.IdleConnTimeout = 90 * time.Second
		tr.TLSHandshakeTimeout = 10 * time.Second
		tr.ExpectContinueTimeout = 1 * time.Second
		tr.ForceAttemptHTTP2 = true
	})

	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
		config.WithRetryMaxAttempts(1),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.UseAccelerate = cfg.UseAccelerate
	})

	return newWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newWithClient(client api, bucket, prefix string) *Adapter {
	return &Adapter{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (a *Adapter) ID() store.StoreID {
	return store.Remote
}

func (a *Adapter) splitPrefix(split store.SplitID) string {
	return path.Join(a.prefix, string(split)) + "/"
}

func (a *Adapter) key(split store.SplitID, name string) string {
	return a.splitPrefix(split) + name
}

func (a *Adapter) List(ctx context.Context, split store.SplitID) (store.Manifest, error) {
	prefix := a.splitPrefix(split)
	manifest := store.NewManifest()

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, a.wrap(err, "list", split, "")
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue // folder marker
			}
			rec := store.FileRecord{
				Name:        name,
				Size:        aws.ToInt64(obj.Size),
				ModTime:     aws.ToTime(obj.LastModified),
				Fingerprint: etagFingerprint(aws.ToString(obj.ETag)),
			}
			// without a checksum only the stored source time can match other stores
			if rec.Fingerprint == "" {
				mod, ok, err := a.storedModTime(ctx, key)
				if err != nil {
					err = a.wrap(err, "list", split, name)
					if store.KindOf(err) == store.KindNotFound {
						continue // removed while listing
					}
					return nil, err
				}
				if ok {
					rec.ModTime = mod
				}
			}
			if err := manifest.Add(rec); err != nil {
				return nil, store.NewError(store.KindUnknown, store.Remote, "list", split, name, err)
			}
		}
	}

	return manifest, nil
}

// storedModTime reads the source modification time Push keeps in the object
// metadata.
func (a *Adapter) storedModTime(ctx context.Context, key string) (time.Time, bool, error) {
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return time.Time{}, false, err
	}
	v, ok := out.Metadata[metaModTime]
	if !ok {
		return time.Time{}, false, nil
	}
	mod, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, nil
	}
	return mod, true, nil
}

func (a *Adapter) Fetch(ctx context.Context, split store.SplitID, name string) (io.ReadCloser, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(split, name)),
	})
	if err != nil {
		err = a.wrap(err, "fetch", split, name)
		if store.KindOf(err) == store.KindNotFound {
			return nil, store.NewError(store.KindMissingObject, store.Remote, "fetch", split, name, errors.Unwrap(err))
		}
		return nil, err
	}
	return resp.Body, nil
}

func (a *Adapter) Push(ctx context.Context, split store.SplitID, name string, r io.Reader, meta store.PushMetadata) error {
	body, size, cleanup, err := seekable(r)
	if err != nil {
		return store.Wrap(err, store.Remote, "push", split, name)
	}
	defer cleanup()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.key(split, name)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if !meta.ModTime.IsZero() {
		input.Metadata = map[string]string{metaModTime: meta.ModTime.UTC().Format(time.RFC3339Nano)}
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return a.wrap(err, "push", split, name)
	}
	return nil
}

// Delete relies on S3 semantics: deleting a missing key succeeds.
func (a *Adapter) Delete(ctx context.Context, split store.SplitID, name string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(split, name)),
	})
	if err != nil {
		err = a.wrap(err, "delete", split, name)
		if store.KindOf(err) == store.KindNotFound {
			return nil
		}
		return err
	}
	return nil
}

func (a *Adapter) wrap(err error, op string, split store.SplitID, name string) error {
	return store.NewError(kindOf(err), store.Remote, op, split, name, err)
}

// kindOf maps S3 and transport errors onto store kinds.
func kindOf(err error) store.Kind {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return store.KindNotFound
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return store.KindNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "AllAccessDisabled":
			return store.KindAuth
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return store.KindNotFound
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return store.KindQuotaExceeded
		case "RequestTimeout", "RequestTimeTooSkewed":
			return store.KindTimeout
		case "InternalError", "ServiceUnavailable":
			return store.KindUnavailable
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		switch code := statusErr.HTTPStatusCode(); {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return store.KindAuth
		case code == http.StatusNotFound:
			return store.KindNotFound
		case code == http.StatusTooManyRequests:
			return store.KindQuotaExceeded
		case code >= 500:
			return store.KindUnavailable
		}
	}

	if kind := store.KindOf(err); kind != store.KindUnknown {
		return kind
	}
	// anything else coming out of the SDK without a status is a transport failure
	return store.KindUnavailable
}

// etagFingerprint returns the md5 carried by single part ETags. Multipart
// ETags ("<md5>-<parts>") do not describe the content and are dropped.
func etagFingerprint(etag string) string {
	etag = strings.ToLower(strings.Trim(etag, `"`))
	if etag == "" || strings.Contains(etag, "-") {
		return ""
	}
	return etag
}

// seekable returns a body the SDK can sign and rewind. Non seekable readers are
// spooled to a temp file.
func seekable(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, nil, err
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, 0, nil, err
		}
		return rs, size, func() {}, nil
	}

	f, err := os.CreateTemp("", "splitsync-s3-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("spool upload: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	size, err := io.Copy(f, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool upload: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return f, size, cleanup, nil
}

var _ store.Adapter = (*Adapter)(nil)
