package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const healthCheckInterval = 5 * time.Second

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ProgressFunc receives the running total of bytes sent while an upload
// streams.
type ProgressFunc func(bytesSent int64)

// UploadRequest describes one object to deliver.
type UploadRequest struct {
	Key         string
	Reader      io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
	Progress    ProgressFunc
}

// UploadInfo reports the outcome of a completed upload.
type UploadInfo struct {
	URL       string
	BytesSent int64
	Duration  time.Duration
}

// Client represents the capabilities the upload pipeline expects.
type Client interface {
	IsConnected(ctx context.Context) bool
	EnsureBucket(ctx context.Context) error
	Upload(ctx context.Context, req UploadRequest) (*UploadInfo, error)
	Close() error
}

// New creates an object store client based on the given configuration.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "minio", "s3":
		return newMinioClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

type minioClient struct {
	client       *minio.Client
	bucket       string
	region       string
	cancelHealth context.CancelFunc
}

var _ Client = (*minioClient)(nil)

// trimScheme strips an http(s):// prefix; minio.New wants a bare host.
func trimScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}

func newMinioClient(cfg Config) (Client, error) {
	cl, err := minio.New(trimScheme(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	cancel, err := cl.HealthCheck(healthCheckInterval)
	if err != nil {
		return nil, fmt.Errorf("start object store health check: %w", err)
	}

	return &minioClient{
		client:       cl,
		bucket:       cfg.Bucket,
		region:       cfg.Region,
		cancelHealth: cancel,
	}, nil
}

func (m *minioClient) IsConnected(_ context.Context) bool {
	return m.client.IsOnline()
}

func (m *minioClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *minioClient) Upload(ctx context.Context, req UploadRequest) (*UploadInfo, error) {
	cr := &countingReader{r: req.Reader, fn: req.Progress}
	opts := minio.PutObjectOptions{
		ContentType:  req.ContentType,
		UserMetadata: req.Metadata,
	}

	start := time.Now()
	if _, err := m.client.PutObject(ctx, m.bucket, req.Key, cr, req.Size, opts); err != nil {
		return nil, fmt.Errorf("upload %s: %w", req.Key, err)
	}

	return &UploadInfo{
		URL:       m.objectURL(req.Key),
		BytesSent: cr.n,
		Duration:  time.Since(start),
	}, nil
}

func (m *minioClient) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", m.client.EndpointURL().String(), m.bucket, key)
}

func (m *minioClient) Close() error {
	if m.cancelHealth != nil {
		m.cancelHealth()
	}
	return nil
}

// countingReader reports the running byte total to fn as it is consumed.
type countingReader struct {
	r  io.Reader
	n  int64
	fn ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.fn != nil {
			c.fn(c.n)
		}
	}
	return n, err
}
