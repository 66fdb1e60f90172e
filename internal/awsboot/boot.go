// Package awsboot holds the AWS bootstrap shared by the server and the
// Lambda entry point: SDK config, the clients the option store and event
// publisher need, and SSM secret loading.
package awsboot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// Clients holds the loaded AWS config.
type Clients struct {
	Config aws.Config
}

// InitAWS loads the default AWS config.
func InitAWS(ctx context.Context) (Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return Clients{Config: cfg}, nil
}

func (c Clients) SSM() *ssm.Client                 { return ssm.NewFromConfig(c.Config) }
func (c Clients) DynamoDB() *dynamodb.Client       { return dynamodb.NewFromConfig(c.Config) }
func (c Clients) EventBridge() *eventbridge.Client { return eventbridge.NewFromConfig(c.Config) }

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret returns value when set, otherwise the decrypted SSM parameter
// param.
func LoadSecret(ctx context.Context, client ssmAPI, value, param string) (string, error) {
	if value != "" {
		return value, nil
	}
	if param == "" {
		return "", fmt.Errorf("secret not set and no SSM parameter configured")
	}
	if client == nil {
		return "", fmt.Errorf("SSM parameter %s configured without AWS access", param)
	}

	ssmStart := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read %s from SSM: %w", param, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return "", fmt.Errorf("SSM parameter %s is empty", param)
	}
	log.Debug().Str("param", param).Dur("elapsed", time.Since(ssmStart)).Msg("Secret loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}
