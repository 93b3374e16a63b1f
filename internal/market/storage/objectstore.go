package storage

import (
	"context"
	"errors"
	"mime"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "barreplay/internal/errors"
	"barreplay/internal/logging"
	"barreplay/internal/monitoring"
)

// ObjectStoreConfig locates an S3 compatible bucket
type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// ObjectUploader copies saved files into a bucket
type ObjectUploader struct {
	client  *minio.Client
	cfg     ObjectStoreConfig
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewObjectUploader creates the client. No request is made until Upload.
func NewObjectUploader(cfg ObjectStoreConfig, logger *logging.Logger, metrics *monitoring.Metrics) (*ObjectUploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, apperrors.InvalidInput("object store endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, apperrors.Persistence("failed to create object store client", err)
	}
	return &ObjectUploader{
		client:  client,
		cfg:     cfg,
		logger:  logging.OrGlobal(logger).WithField("sink", "object_store"),
		metrics: metrics,
	}, nil
}

// Key returns the object key for a local file
func (u *ObjectUploader) Key(file string) string {
	return path.Join(u.cfg.Prefix, filepath.Base(file))
}

// Upload puts file under Key(file) and returns the key
func (u *ObjectUploader) Upload(ctx context.Context, file string) (string, error) {
	key := u.Key(file)
	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := u.client.FPutObject(ctx, u.cfg.Bucket, key, file, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) {
			return "", apperrors.NewAppErrorWithDetails(apperrors.ErrCodePersistenceFailure,
				"upload rejected", resp.Code+": "+resp.Message, err).WithContext("key", key)
		}
		return "", apperrors.Persistence("failed to upload file", err).WithContext("key", key)
	}

	u.metrics.RecordPersisted("object_store", 1)
	u.logger.WithField("bucket", u.cfg.Bucket).WithField("key", key).
		WithField("size", info.Size).Info("File uploaded")
	return key, nil
}
