// Package secrets resolves the bot token at startup. An explicit token
// wins; otherwise the token is fetched once from an SSM parameter.
package secrets

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/hefzhail/botops/internal/log"
	"github.com/hefzhail/botops/internal/xerrors"
)

// ParameterAPI is the slice of the SSM client the token source uses.
// Extracted so tests can stub the AWS call.
type ParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// TokenSourceOptions configures a TokenSource.
type TokenSourceOptions struct {
	Logger log.Logger

	// Token is the explicit bot token, typically from the environment.
	// When set, SSM is never consulted.
	Token string

	// SSMParam names the (SecureString) parameter holding the token.
	SSMParam string

	// Client overrides the SSM client; when nil one is built from the
	// default AWS config on first use.
	Client ParameterAPI
}

// TokenSource hands out the bot token.
type TokenSource struct {
	opts   TokenSourceOptions
	logger log.Logger
}

// NewTokenSource validates that at least one token origin is configured.
func NewTokenSource(opts TokenSourceOptions) (*TokenSource, error) {
	if opts.Token == "" && opts.SSMParam == "" {
		return nil, xerrors.New("secrets: either an explicit token or an SSM parameter is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &TokenSource{opts: opts, logger: opts.Logger}, nil
}

// Resolve returns the bot token, preferring the explicit one.
func (t *TokenSource) Resolve(ctx context.Context) (string, error) {
	if t.opts.Token != "" {
		return t.opts.Token, nil
	}

	client := t.opts.Client
	if client == nil {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return "", xerrors.Wrap(err, "secrets: load AWS config")
		}
		client = ssm.NewFromConfig(awsCfg)
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(t.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "secrets: get SSM parameter %s", t.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("secrets: SSM parameter %s has no value", t.opts.SSMParam)
	}

	token := strings.TrimSpace(*out.Parameter.Value)
	if token == "" {
		return "", xerrors.Newf("secrets: SSM parameter %s is empty", t.opts.SSMParam)
	}

	t.logger.Info(ctx, "bot token resolved from SSM", "parameter", t.opts.SSMParam)
	return token, nil
}
