package secrets

// DefaultRules covers credentials that commonly end up in uploaded
// documents: cloud keys, VCS tokens, private keys and key=value secrets.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "aws-access-key-id", Pattern: `\b(?:A3T[A-Z0-9]|AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords: []string{"secret_access_key"},
		},
		{
			ID:       "api-key-assignment",
			Pattern:  `(?i)(?:api[_-]?key|apikey|access[_-]?token)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,128}['"]?`,
			Keywords: []string{"key", "token"},
		},
		{
			ID:       "password-assignment",
			Pattern:  `(?i)(?:password|passwd|pwd|secret)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"pass", "pwd", "secret"},
		},
		{
			ID:      "private-key-block",
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?-----END (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
		},
		{ID: "github-token", Pattern: `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`},
		{ID: "github-fine-grained-token", Pattern: `\bgithub_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `\bglpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Pattern: `\bxox[baprs]-[A-Za-z0-9-]{10,}`},
		{ID: "stripe-key", Pattern: `\b(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "openai-key", Pattern: `\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}`},
		{ID: "google-api-key", Pattern: `\bAIza[0-9A-Za-z\-_]{35}\b`},
		{ID: "jwt", Pattern: `\beyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`},
		{
			ID:       "connection-string-password",
			Pattern:  `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?)://[^:\s/]+:[^@\s]+@`,
			Keywords: []string{"://"},
		},
	}
}
