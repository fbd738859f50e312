package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/arch2code/internal/archive"
	appconfig "github.com/wolfman30/arch2code/internal/config"
	"github.com/wolfman30/arch2code/internal/prompts"
	"github.com/wolfman30/arch2code/pkg/logging"
)

// NewS3Client builds an S3 client; path-style addressing is required by
// LocalStack when an endpoint override is set.
func NewS3Client(cfg *appconfig.Config, awsCfg aws.Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = strings.TrimSpace(cfg.AWSEndpointOverride) != ""
	})
}

// BuildExampleSource reads few-shot examples from S3 when EXAMPLES_BUCKET is
// set and falls back to the embedded set otherwise.
func BuildExampleSource(cfg *appconfig.Config, s3Client prompts.S3GetAPI, logger *logging.Logger) prompts.ExampleSource {
	if strings.TrimSpace(cfg.ExamplesBucket) == "" || s3Client == nil {
		return prompts.EmbeddedSource()
	}
	if logger != nil {
		logger.Info("loading examples from s3", "bucket", cfg.ExamplesBucket, "prefix", cfg.ExamplesPrefix)
	}
	return prompts.NewS3Source(s3Client, cfg.ExamplesBucket, cfg.ExamplesPrefix)
}

// BuildArchiver returns nil when neither ARTIFACT_BUCKET nor ARTIFACT_TABLE
// is configured.
func BuildArchiver(cfg *appconfig.Config, s3Client archive.S3API, dynamo archive.DynamoAPI, logger *logging.Logger) *archive.Archiver {
	if logger == nil {
		logger = logging.Default()
	}
	var store *archive.Store
	if strings.TrimSpace(cfg.ArtifactBucket) != "" && s3Client != nil {
		store = archive.NewStore(s3Client, cfg.ArtifactBucket, logger.Component("archive"))
	}
	var records *archive.RecordStore
	if strings.TrimSpace(cfg.ArtifactTable) != "" && dynamo != nil {
		records = archive.NewRecordStore(dynamo, cfg.ArtifactTable, logger.Component("archive"))
	}
	archiver := archive.NewArchiver(store, records, logger.Component("archive"))
	if archiver != nil {
		logger.Info("artifact archive enabled", "bucket", cfg.ArtifactBucket, "table", cfg.ArtifactTable)
	}
	return archiver
}

// NewDynamoClient builds the DynamoDB client for the artifact index.
func NewDynamoClient(awsCfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg)
}
