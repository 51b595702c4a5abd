package media

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"timevault/metrics"
	"timevault/pkg/domain"
	"timevault/svc/util"
)

const DefaultValidity = 1 * time.Hour

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type objectAPI interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Issuer hands out short-lived read access to a capsule's media object. It
// re-derives the unlock check itself instead of trusting the caller's gate
// result, and only ever signs the exact object path stored on the capsule.
// Open-once exhaustion does not apply here: the viewer who just performed
// the one open still exchanges the returned media reference for its URL,
// bounded by the signature validity.
type Issuer struct {
	presign  presignAPI
	objects  objectAPI
	bucket   string
	validity time.Duration
}

func NewIssuer(ctx context.Context, bucket, region string, validity time.Duration, localEndpoint string) (*Issuer, error) {
	if bucket == "" {
		return nil, errors.New("media bucket is required")
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if localEndpoint != "" {
			o.BaseEndpoint = aws.String(localEndpoint)
			o.UsePathStyle = true
		}
	})
	return &Issuer{
		presign:  s3.NewPresignClient(client),
		objects:  client,
		bucket:   bucket,
		validity: validity,
	}, nil
}

// Issue returns a presigned GET URL for the capsule's media object, valid
// for the configured window and usable by any bearer until expiry.
func (i *Issuer) Issue(ctx context.Context, c *domain.Capsule, requestedPath string, now time.Time) (string, error) {
	if now.Before(c.UnlockAt) {
		return "", domain.ErrStillSealed
	}
	if !c.HasMedia() {
		return "", domain.ErrNoMedia
	}
	if requestedPath == "" || subtle.ConstantTimeCompare([]byte(requestedPath), []byte(c.MediaRef)) != 1 {
		util.Warn().
			Str("requested", util.RedactMediaPath(requestedPath)).
			Msg("media path mismatch, refusing to sign")
		metrics.PathMismatches.Inc()
		return "", domain.ErrPathMismatch
	}
	req, err := i.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(c.MediaRef),
	}, s3.WithPresignExpires(i.validity))
	if err != nil {
		return "", errors.Wrap(err, "presign media object")
	}
	metrics.MediaURLsIssued.Inc()
	return req.URL, nil
}

// Remove deletes the media object backing a capsule. Used by the deletion
// cascade; missing objects are not an error.
func (i *Issuer) Remove(ctx context.Context, mediaRef string) error {
	if mediaRef == "" {
		return nil
	}
	_, err := i.objects.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(mediaRef),
	})
	return errors.Wrap(err, "delete media object")
}
