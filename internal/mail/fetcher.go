// Package mail 负责入站邮件的读取、解析，以及转发邮件的组装与投递。
package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"relaymail/backend/internal/domain"
)

// maxObjectSize 单封入站邮件的大小上限
const maxObjectSize = 40 << 20

var (
	// ErrObjectNotFound 对象不存在
	ErrObjectNotFound = domain.NewError(domain.KindNotFound, "mail object not found")
	// ErrObjectTooLarge 对象超过大小上限
	ErrObjectTooLarge = domain.NewError(domain.KindValidation, "mail object too large")
)

// DecodeObjectKey 还原通知中经过 URL 编码的对象键：先把 + 换成空格，再做百分号解码
func DecodeObjectKey(key string) (string, error) {
	decoded, err := url.PathUnescape(strings.ReplaceAll(key, "+", " "))
	if err != nil {
		return "", domain.NewError(domain.KindValidation, fmt.Sprintf("invalid object key %q", key))
	}
	return decoded, nil
}

// Fetcher 按 (bucket, key) 读取原始邮件
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// ObjectGetter s3.Client 中取件所需的方法
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher 从 S3 读取入站邮件
type S3Fetcher struct {
	client        ObjectGetter
	defaultBucket string
}

// NewS3Fetcher 创建 S3 取件器，通知中未带 bucket 时使用 defaultBucket
func NewS3Fetcher(client ObjectGetter, defaultBucket string) *S3Fetcher {
	return &S3Fetcher{client: client, defaultBucket: defaultBucket}
}

// Fetch 读取对象全部内容
func (f *S3Fetcher) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" {
		bucket = f.defaultBucket
	}
	if bucket == "" {
		return nil, fmt.Errorf("fetch %q: no bucket configured", key)
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("read object s3://%s/%s: %w", bucket, key, err)
	}
	if len(data) > maxObjectSize {
		return nil, ErrObjectTooLarge
	}
	return data, nil
}

func classifyS3Error(err error) error {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return ErrObjectNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrObjectNotFound
		case "AccessDenied":
			return domain.NewError(domain.KindAuth, "access to mail object denied")
		}
	}
	return fmt.Errorf("get object: %w", err)
}
