package archive

import (
	"context"
	"fmt"
	"maps"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/kubev2v/heap-monitor/internal/store/model"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	defaultPrefix      = "reports"
	defaultContentType = "application/octet-stream"
)

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	prefix          string
	useSSL          bool
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(key string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = key
	}
}

func WithSecretKey(key string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = key
	}
}

func WithPrefix(prefix string) MinioOpts {
	return func(c *minioConfig) {
		c.prefix = strings.Trim(prefix, "/")
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		useSSL: false,
		prefix: defaultPrefix,
	}

	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

type minioArchiver struct {
	cfg    *minioConfig
	client *minio.Client
}

func NewMinioArchiver(opts ...MinioOpts) (Archiver, error) {
	cfg := newConfig(opts...)
	if cfg.endpoint == "" || cfg.bucket == "" {
		return nil, fmt.Errorf("minio archiver requires an endpoint and a bucket")
	}

	// Initialize minio client object.
	minioClient, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}

	return &minioArchiver{cfg: cfg, client: minioClient}, nil
}

// Archive uploads every output to <bucket>/<prefix>/<source>/<report id>/<file name>.
// Outputs uploaded before a failure keep their object key.
func (m *minioArchiver) Archive(ctx context.Context, report model.Report, outputs map[string]model.Output) (map[string]model.Output, error) {
	archived := maps.Clone(outputs)
	for name, o := range outputs {
		key := ObjectKey(m.cfg.prefix, report, o)
		info, err := m.client.FPutObject(ctx, m.cfg.bucket, key, o.Path, minio.PutObjectOptions{
			ContentType: contentType(o.Path),
		})
		if err != nil {
			return archived, fmt.Errorf("uploading output %s of report %s: %w", name, report.ID, err)
		}
		o.ObjectKey = info.Key
		archived[name] = o
		zap.S().Named("minio_archiver").Debugw("output archived", "report", report.ID, "output", name, "key", info.Key, "size", info.Size)
	}
	return archived, nil
}

func ObjectKey(prefix string, report model.Report, o model.Output) string {
	return path.Join(prefix, report.Source, report.ID, filepath.Base(o.Path))
}

func contentType(file string) string {
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return defaultContentType
}
