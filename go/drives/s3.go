package drives

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
)

// s3Config is the credentials blob of an "s3" drive binding. Endpoint
// covers S3-compatible stores (R2, MinIO); empty means AWS proper.
type s3Config struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Prefix          string `json:"prefix"`
	ForcePathStyle  bool   `json:"forcePathStyle"`
}

type s3Drive struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	limiter  *limits.Limiter
}

func newS3(raw json.RawMessage, limiter *limits.Limiter) (*s3Drive, error) {
	var cfg s3Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing s3 credentials: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 drive requires a bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var creds = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	var c = aws.NewConfig().WithCredentials(creds).WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		c = c.WithEndpoint(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		c = c.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(c)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	var client = s3.New(sess)
	return &s3Drive{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		limiter:  limiter,
	}, nil
}

func (d *s3Drive) Type() string { return "s3" }

func (d *s3Drive) ValidateConfig(ctx context.Context) error {
	if err := d.limiter.Acquire(ctx, limits.TierHigh); err != nil {
		return err
	}
	if _, err := d.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.bucket),
	}); err != nil {
		return fmt.Errorf("probing s3 bucket: %w", err)
	}
	return nil
}

func (d *s3Drive) RemoteFileInfo(ctx context.Context, remotePath string) (*FileInfo, error) {
	if err := d.limiter.Acquire(ctx, limits.TierHigh); err != nil {
		return nil, err
	}
	var key = joinRemote(d.prefix, remotePath)
	head, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, ErrRemoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statting s3 object %s: %w", key, err)
	}
	var info = &FileInfo{
		Name: remotePath,
		Path: key,
		Size: aws.Int64Value(head.ContentLength),
	}
	if head.LastModified != nil {
		info.ModTime = *head.LastModified
	}
	return info, nil
}

func (d *s3Drive) Upload(ctx context.Context, remotePath string, r io.Reader, size int64) error {
	if err := d.limiter.Acquire(ctx, limits.TierNormal); err != nil {
		return err
	}
	var key = joinRemote(d.prefix, remotePath)
	if _, err := d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   r,
	}); err != nil {
		uploads.WithLabelValues("s3", "error").Inc()
		return fmt.Errorf("uploading s3 object %s: %w", key, err)
	}
	uploads.WithLabelValues("s3", "ok").Inc()
	uploadedBytes.WithLabelValues("s3").Add(float64(size))
	return nil
}

func (d *s3Drive) List(ctx context.Context, prefix string, max int) ([]FileInfo, error) {
	if err := d.limiter.Acquire(ctx, limits.TierNormal); err != nil {
		return nil, err
	}
	out, err := d.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(joinRemote(d.prefix, prefix)),
		MaxKeys: aws.Int64(int64(max)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing s3 objects: %w", err)
	}
	var files = make([]FileInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		var info = FileInfo{
			Name: strings.TrimPrefix(aws.StringValue(obj.Key), joinRemote(d.prefix, "")),
			Path: aws.StringValue(obj.Key),
			Size: aws.Int64Value(obj.Size),
		}
		if obj.LastModified != nil {
			info.ModTime = *obj.LastModified
		}
		files = append(files, info)
	}
	return files, nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode() == 404
	}
	return false
}
