package imagestore

import (
	"bytes"
	"context"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// uploader is an interface wrapper for s3manager.Uploader. This is only
// here for unit testing purposes.
type uploader interface {
	UploadWithContext(aws.Context, *s3manager.UploadInput, ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

type S3Store struct {
	bucket   string
	prefix   string
	uploader uploader
}

func NewS3Store(bucket, prefix string) *S3Store {
	sess := session.Must(session.NewSession())
	return &S3Store{
		bucket:   bucket,
		prefix:   prefix,
		uploader: s3manager.NewUploader(sess),
	}
}

func (s *S3Store) Put(ctx context.Context, name string, image []byte, metadata string) error {
	in := &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path.Join(s.prefix, name)),
		Body:        bytes.NewReader(image),
		ContentType: aws.String("image/png"),
	}
	if metadata != "" {
		in.Metadata = map[string]*string{"imgd-metadata": aws.String(metadata)}
	}
	_, err := s.uploader.UploadWithContext(ctx, in)
	return err
}
