package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore provides access to object storage for uploaded lab reports.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Config selects and configures an ObjectStore backend.
type Config struct {
	Provider     string `yaml:"provider"` // minio | s3 | file
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	Bucket       string `yaml:"bucket"`
	UseSSL       bool   `yaml:"useSSL"`
	Region       string `yaml:"region"`
	UsePathStyle bool   `yaml:"usePathStyle"`
	BaseDir      string `yaml:"baseDir"`
	PublicURL    string `yaml:"publicURL"`
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "minio":
		return NewMinioStore(ctx, cfg)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
	case "file":
		return NewFileStore(cfg.BaseDir, cfg.PublicURL)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// AnalysisKey is the object key of an uploaded report PDF.
func AnalysisKey(patientID, analysisID, filename string) string {
	return fmt.Sprintf("analyses/%s/%s/%s", patientID, analysisID, SafeFilename(filename))
}

// SafeFilename strips directories and whitespace from a client filename.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "report.pdf"
	}
	return name
}
