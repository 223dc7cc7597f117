// Package archive stores completed settlement reports in object storage so
// the payout plan of every resolved market survives outside the ledger
// database.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/exchange-engine/internal/model"
)

// Report is the archived document: the resolved market and the plan that
// paid it out.
type Report struct {
	Market     *model.Market     `json:"market"`
	Settlement *model.Settlement `json:"settlement"`
}

// Archiver persists settlement reports.
type Archiver interface {
	Archive(ctx context.Context, r Report) error
}

// Key returns the object key of a market's report.
func Key(marketID string) string {
	return "settlements/" + marketID + ".json"
}

// Nop discards reports.
type Nop struct{}

func (Nop) Archive(context.Context, Report) error { return nil }

// Memory keeps reports in a map keyed by object key.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *Memory) Archive(_ context.Context, r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", r.Market.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[Key(r.Market.ID)] = body
	return nil
}

// Get returns a stored report body.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// S3Config holds the connection settings for an S3-compatible bucket
// (AWS, MinIO, R2).
type S3Config struct {
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
}

// S3Archiver writes reports as JSON objects under settlements/.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds an S3 client from static credentials.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(withScheme(cfg.Endpoint))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, r Report) error {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", r.Market.ID, err)
	}

	key := Key(r.Market.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put object %s: %w", key, err)
	}
	return nil
}

func withScheme(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

// Compile-time interface checks.
var (
	_ Archiver = Nop{}
	_ Archiver = (*Memory)(nil)
	_ Archiver = (*S3Archiver)(nil)
)
