/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package urlsign issues and proactively refreshes the transient signed
// URLs that make a catalog track playable.
package urlsign

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"time"
)

// Signer exchanges a stable catalog reference for a bounded-lifetime URL.
type Signer interface {
	Sign(ctx context.Context, rawURL string) (string, error)
}

// StaticSigner returns references unchanged. Used for dev setups where the
// media host serves unsigned URLs.
type StaticSigner struct{}

func (StaticSigner) Sign(_ context.Context, rawURL string) (string, error) {
	return rawURL, nil
}

// S3Config configures the presigning client.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	Endpoint        string // for S3-compatible services (MinIO, Spaces, etc.)
	UsePathStyle    bool
	Lifetime        time.Duration
}

// S3Signer issues presigned GET URLs against an S3-compatible bucket.
type S3Signer struct {
	presign  *s3.PresignClient
	bucket   string
	lifetime time.Duration
	logger   zerolog.Logger
}

// NewS3Signer creates a presigning signer.
func NewS3Signer(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Signer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = 4 * time.Hour
	}

	return &S3Signer{
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		lifetime: lifetime,
		logger:   logger.With().Str("component", "urlsign-s3").Logger(),
	}, nil
}

// Sign exchanges a catalog reference for a presigned GET URL. The reference
// is either a bare object key or an s3://bucket/key URL.
func (s *S3Signer) Sign(ctx context.Context, rawURL string) (string, error) {
	bucket, key := s.bucket, rawURL
	if strings.HasPrefix(rawURL, "s3://") {
		rest := strings.TrimPrefix(rawURL, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return "", fmt.Errorf("malformed s3 reference %q", rawURL)
		}
		bucket, key = parts[0], parts[1]
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.lifetime))
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", key, err)
	}

	s.logger.Debug().Str("key", key).Msg("issued presigned URL")
	return req.URL, nil
}

var (
	_ Signer = StaticSigner{}
	_ Signer = (*S3Signer)(nil)
)
