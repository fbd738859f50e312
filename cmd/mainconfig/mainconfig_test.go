package mainconfig

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/arch2code/internal/config"
)

func TestLoadAWSConfigStaticCredentials(t *testing.T) {
	awsCfg, err := LoadAWSConfig(context.Background(), &appconfig.Config{
		AWSRegion:          "us-west-2",
		AWSAccessKeyID:     "test",
		AWSSecretAccessKey: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", awsCfg.Region)
	assert.Nil(t, awsCfg.EndpointResolverWithOptions)

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", creds.AccessKeyID)
}

func TestLoadAWSConfigEndpointOverride(t *testing.T) {
	awsCfg, err := LoadAWSConfig(context.Background(), &appconfig.Config{
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	})
	require.NoError(t, err)
	require.NotNil(t, awsCfg.EndpointResolverWithOptions)

	for _, service := range []string{bedrockruntime.ServiceID, s3.ServiceID} {
		ep, err := awsCfg.EndpointResolverWithOptions.ResolveEndpoint(service, "us-east-1")
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:4566", ep.URL)
	}

	_, err = awsCfg.EndpointResolverWithOptions.ResolveEndpoint("SQS", "us-east-1")
	var notFound *aws.EndpointNotFoundError
	assert.True(t, errors.As(err, &notFound))
}
