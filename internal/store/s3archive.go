package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/mailtriage/internal/domain"
)

// Archive keeps full raw emails in S3. The typed store holds only the
// fields the pipeline reads; audits and model-quality reviews pull the
// originals from here.
type Archive struct {
	client *s3.Client
	bucket string
}

func NewArchive(ctx context.Context, bucket, region, profile string) (*Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Archive{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// ArchiveEmail writes the full email under a date-partitioned key and
// returns the key.
func (a *Archive) ArchiveEmail(ctx context.Context, email domain.Email) (string, error) {
	body, err := json.Marshal(email)
	if err != nil {
		return "", fmt.Errorf("marshaling email: %w", err)
	}

	key := fmt.Sprintf("emails/%s/%s.json",
		email.ReceivedAt.UTC().Format("2006/01/02"), email.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("putting email to S3: %w", err)
	}
	return key, nil
}

// GetArchivedEmail reads one archived email back by key.
func (a *Archive) GetArchivedEmail(ctx context.Context, key string) (domain.Email, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return domain.Email{}, fmt.Errorf("getting email from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return domain.Email{}, err
	}
	var email domain.Email
	if err := json.Unmarshal(data, &email); err != nil {
		return domain.Email{}, err
	}
	return email, nil
}

// ArchiveKeyFor computes the key an email would archive under, for
// backfill jobs that check existence before writing.
func ArchiveKeyFor(emailID string, receivedAt time.Time) string {
	return fmt.Sprintf("emails/%s/%s.json", receivedAt.UTC().Format("2006/01/02"), emailID)
}
