package lab

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type callerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// STSAccount resolves the account id with sts:GetCallerIdentity using the
// default credential chain.
func STSAccount(region, endpoint string) AccountResolver {
	return func(ctx context.Context) (string, error) {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return "", fmt.Errorf("lab: failed to load AWS config: %w", err)
		}
		client := sts.NewFromConfig(cfg, func(o *sts.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		return callerAccount(ctx, client)
	}
}

func callerAccount(ctx context.Context, api callerIdentityAPI) (string, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("lab: GetCallerIdentity failed: %w", err)
	}
	return aws.ToString(out.Account), nil
}
