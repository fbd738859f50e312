package archive

import "regexp"

var (
	accessKeyRe = regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)
	secretKeyRe = regexp.MustCompile(`(?i)(aws_secret_access_key|secret_access_key|SecretAccessKey)(["']?\s*[:=]\s*["']?)[A-Za-z0-9/+=]{40}`)
	emailRe     = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// ScrubSecrets masks AWS credentials and email addresses a model may have
// echoed into generated code.
func ScrubSecrets(code string) string {
	code = accessKeyRe.ReplaceAllString(code, "[ACCESS_KEY_ID]")
	code = secretKeyRe.ReplaceAllString(code, "${1}${2}[SECRET_ACCESS_KEY]")
	code = emailRe.ReplaceAllString(code, "[EMAIL]")
	return code
}
