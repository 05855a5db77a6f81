package executor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"detection-lab/internal/behavior"
	"detection-lab/internal/credentials"
)

// sdkUserAgent is recorded on records produced by real calls.
const sdkUserAgent = "aws-sdk-go-v2"

type apiFunc func(ctx context.Context, e *AWS, cfg aws.Config) (request, response map[string]any, err error)

// awsCalls are the API calls the AWS executor performs for real.
var awsCalls = map[string]apiFunc{
	"s3:ListBuckets":        listBuckets,
	"s3:ListObjectsV2":      listObjects,
	"s3:GetBucketPolicy":    getBucketPolicy,
	"s3:GetBucketLocation":  getBucketLocation,
	"sts:GetCallerIdentity": getCallerIdentity,
}

// SupportedCalls lists the API names the AWS executor performs.
func SupportedCalls() []string {
	return slices.Sorted(maps.Keys(awsCalls))
}

// AWS performs real API calls with the agent's static credentials.
type AWS struct {
	cfg Config

	mu      sync.Mutex
	configs map[string]aws.Config
}

// NewAWS creates an AWS executor.
func NewAWS(cfg Config) *AWS {
	if cfg.Region == "" {
		cfg.Region = DefaultConfig().Region
	}
	return &AWS{cfg: cfg, configs: make(map[string]aws.Config)}
}

// Execute implements Executor.
func (e *AWS) Execute(ctx context.Context, cred credentials.Credential, call Call) ([]behavior.ActivityRecord, error) {
	fn, ok := awsCalls[call.API]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCall, call.API)
	}
	cfg, err := e.awsConfig(ctx, cred)
	if err != nil {
		return nil, err
	}

	at := time.Now().UTC()
	req, resp, err := fn(ctx, e, cfg)
	if err != nil {
		return nil, fmt.Errorf("executor: %s failed: %w", call.API, err)
	}

	service, method, _ := strings.Cut(call.API, ":")
	record := behavior.ActivityRecord{
		"eventVersion":      "1.08",
		"eventTime":         at.Format(behavior.EventTimeFormat),
		"eventSource":       service + ".amazonaws.com",
		"eventName":         method,
		"awsRegion":         e.cfg.Region,
		"userAgent":         sdkUserAgent,
		"requestParameters": req,
		"responseElements":  resp,
		"userIdentity": map[string]any{
			"type":        "IAMUser",
			"arn":         e.arn(cred),
			"accessKeyId": cred.AccessKeyID,
			"userName":    cred.Name,
		},
	}
	return []behavior.ActivityRecord{record}, nil
}

func (e *AWS) arn(cred credentials.Credential) string {
	if e.cfg.AccountID == "" || cred.Name == "" {
		return ""
	}
	return fmt.Sprintf("arn:aws:iam::%s:user/%s", e.cfg.AccountID, cred.Name)
}

func (e *AWS) awsConfig(ctx context.Context, cred credentials.Credential) (aws.Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg, ok := e.configs[cred.AccessKeyID]; ok {
		return cfg, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(e.cfg.Region),
		config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken)),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("executor: failed to load AWS config: %w", err)
	}
	e.configs[cred.AccessKeyID] = cfg
	return cfg, nil
}

func (e *AWS) s3Client(cfg aws.Config) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if e.cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(e.cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
}

func (e *AWS) stsClient(cfg aws.Config) *sts.Client {
	return sts.NewFromConfig(cfg, func(o *sts.Options) {
		if e.cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(e.cfg.EndpointURL)
		}
	})
}

func (e *AWS) bucket() (string, error) {
	if e.cfg.Bucket == "" {
		return "", fmt.Errorf("%w: no lab bucket configured", ErrUnsupportedCall)
	}
	return e.cfg.Bucket, nil
}

func listBuckets(ctx context.Context, e *AWS, cfg aws.Config) (map[string]any, map[string]any, error) {
	out, err := e.s3Client(cfg).ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.ToString(b.Name))
	}
	return nil, map[string]any{"buckets": names}, nil
}

func listObjects(ctx context.Context, e *AWS, cfg aws.Config) (map[string]any, map[string]any, error) {
	bucket, err := e.bucket()
	if err != nil {
		return nil, nil, err
	}
	out, err := e.s3Client(cfg).ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(100),
	})
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{"bucketName": bucket, "max-keys": 100},
		map[string]any{"keyCount": aws.ToInt32(out.KeyCount)}, nil
}

func getBucketPolicy(ctx context.Context, e *AWS, cfg aws.Config) (map[string]any, map[string]any, error) {
	bucket, err := e.bucket()
	if err != nil {
		return nil, nil, err
	}
	if _, err := e.s3Client(cfg).GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, nil, err
	}
	return map[string]any{"bucketName": bucket, "policy": ""}, nil, nil
}

func getBucketLocation(ctx context.Context, e *AWS, cfg aws.Config) (map[string]any, map[string]any, error) {
	bucket, err := e.bucket()
	if err != nil {
		return nil, nil, err
	}
	out, err := e.s3Client(cfg).GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(bucket)})
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{"bucketName": bucket, "location": ""},
		map[string]any{"locationConstraint": string(out.LocationConstraint)}, nil
}

func getCallerIdentity(ctx context.Context, e *AWS, cfg aws.Config) (map[string]any, map[string]any, error) {
	out, err := e.stsClient(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{
		"account": aws.ToString(out.Account),
		"arn":     aws.ToString(out.Arn),
		"userId":  aws.ToString(out.UserId),
	}, nil
}
