package archive

import "time"

// Artifact is one piece of generated code and the request that produced it.
type Artifact struct {
	ArtifactID  string    `json:"artifact_id"`
	SessionID   string    `json:"session_id"`
	Phase       string    `json:"phase"`
	Template    string    `json:"template"`
	ModelID     string    `json:"model_id"`
	Instruction string    `json:"instruction,omitempty"`
	Code        string    `json:"code"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record indexes an archived artifact. Code lives in S3 under S3Key.
type Record struct {
	SessionID   string `dynamodbav:"sessionId" json:"session_id"`
	ArtifactID  string `dynamodbav:"artifactId" json:"artifact_id"`
	Phase       string `dynamodbav:"phase" json:"phase"`
	Template    string `dynamodbav:"template" json:"template"`
	ModelID     string `dynamodbav:"modelId" json:"model_id"`
	Instruction string `dynamodbav:"instruction,omitempty" json:"instruction,omitempty"`
	S3Key       string `dynamodbav:"s3Key,omitempty" json:"s3_key,omitempty"`
	CodeBytes   int    `dynamodbav:"codeBytes" json:"code_bytes"`
	CreatedAt   string `dynamodbav:"createdAt" json:"created_at"`
	ExpiresAt   int64  `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	ArtifactID string `json:"artifact_id"`
	SessionID  string `json:"session_id"`
	S3Key      string `json:"s3_key"`
	Phase      string `json:"phase"`
	Template   string `json:"template"`
	ModelID    string `json:"model_id"`
	ArchivedAt string `json:"archived_at"`
	CodeBytes  int    `json:"code_bytes"`
}
