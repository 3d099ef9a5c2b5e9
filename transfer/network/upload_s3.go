package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numFinalizeRetries = 3

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Transport uploads chunks as parts of an S3 multipart upload.
// The multipart UploadId plays the resume token role and CompleteMultipartUpload
// is the merge call, so the engine drives S3 exactly like the HTTP upload service.
type S3Transport struct {
	client *s3.Client
	bucket string
	logger log.Logger

	mu     sync.Mutex
	tokens map[string]string           // fileID -> UploadId
	parts  map[string]map[int32]string // fileID -> part number -> ETag
}

// NewS3Transport creates a Transport that stores chunks in the given S3 bucket.
func NewS3Transport(ctx context.Context, params S3Params, logger log.Logger) (*S3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return &S3Transport{
		client: s3.NewFromConfig(*cfg),
		bucket: params.Bucket,
		logger: logger,
		tokens: map[string]string{},
		parts:  map[string]map[int32]string{},
	}, nil
}

// SendChunk uploads one chunk with UploadPart. The first chunk of a file creates
// the multipart upload; concurrent first chunks share a single UploadId.
func (t *S3Transport) SendChunk(ctx context.Context, req ChunkRequest) (ChunkResponse, error) {
	token, err := t.ensureUpload(ctx, req)
	if err != nil {
		return ChunkResponse{}, err
	}

	// UploadPart needs a seekable body for signing, so the chunk is buffered.
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return ChunkResponse{}, fmt.Errorf("read chunk %d: %w", req.ChunkIndex, err)
	}

	partNumber := int32(req.ChunkIndex + 1)
	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(objectKey(req.FileID, req.FileName)),
		UploadId:      aws.String(token),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ChunkResponse{}, fmt.Errorf("chunk %d upload cancelled: %w", req.ChunkIndex, ctx.Err())
		}
		return ChunkResponse{}, fmt.Errorf("upload part %d: %w", partNumber, err)
	}

	t.mu.Lock()
	if t.parts[req.FileID] == nil {
		t.parts[req.FileID] = map[int32]string{}
	}
	t.parts[req.FileID][partNumber] = aws.ToString(out.ETag)
	t.mu.Unlock()

	return ChunkResponse{ResumeToken: token}, nil
}

// Finalize completes the multipart upload once every part is confirmed.
func (t *S3Transport) Finalize(ctx context.Context, req FinalizeRequest) ([]byte, error) {
	if req.ResumeToken == "" {
		return nil, fmt.Errorf("no multipart upload in progress for %s", req.FileID)
	}

	completed, err := t.completedParts(req.FileID, req.TotalChunks)
	if err != nil {
		return nil, err
	}

	var location, etag string
	err = retry.Times(numFinalizeRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(t.bucket),
			Key:      aws.String(objectKey(req.FileID, req.FileName)),
			UploadId: aws.String(req.ResumeToken),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
				return fmt.Errorf("complete multipart upload: %w", err), true
			}
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		location = aws.ToString(out.Location)
		etag = aws.ToString(out.ETag)
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	delete(t.tokens, req.FileID)
	delete(t.parts, req.FileID)
	t.mu.Unlock()

	return json.Marshal(map[string]string{
		"location": location,
		"etag":     etag,
	})
}

// Abort discards the server-side parts of a removed transfer.
func (t *S3Transport) Abort(ctx context.Context, fileID, fileName, resumeToken string) error {
	if resumeToken == "" {
		return nil
	}

	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(objectKey(fileID, fileName)),
		UploadId: aws.String(resumeToken),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}

	t.mu.Lock()
	delete(t.tokens, fileID)
	delete(t.parts, fileID)
	t.mu.Unlock()

	return nil
}

func (t *S3Transport) ensureUpload(ctx context.Context, req ChunkRequest) (string, error) {
	if req.ResumeToken != "" {
		return req.ResumeToken, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if token, ok := t.tokens[req.FileID]; ok {
		return token, nil
	}

	out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(objectKey(req.FileID, req.FileName)),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}

	token := aws.ToString(out.UploadId)
	t.tokens[req.FileID] = token
	t.logger.Debugf("Created multipart upload %s for %s", token, req.FileName)
	return token, nil
}

func (t *S3Transport) completedParts(fileID string, totalChunks int) ([]types.CompletedPart, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recorded := t.parts[fileID]
	if len(recorded) != totalChunks {
		return nil, fmt.Errorf("part count mismatch: %d parts recorded, %d chunks expected", len(recorded), totalChunks)
	}

	completed := make([]types.CompletedPart, 0, len(recorded))
	for partNumber, etag := range recorded {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(partNumber),
			ETag:       aws.String(etag),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	return completed, nil
}

func objectKey(fileID, fileName string) string {
	return fmt.Sprintf("%s/%s", fileID, fileName)
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Debugf("failed to load AWS config: %s", err)
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
