package recovery

import (
	"strings"

	"github.com/shizukutanaka/Shiken/internal/errors"
)

// Category classifies a worker failure
type Category string

const (
	CategoryTimeout       Category = "timeout"
	CategoryMemory        Category = "memory"
	CategoryFilesystem    Category = "filesystem"
	CategoryNetwork       Category = "network"
	CategoryProcess       Category = "process"
	CategoryTestFramework Category = "test_framework"
	CategoryUnknown       Category = "unknown"
)

// Classification is the result of classifying an error message
type Classification struct {
	Category    Category
	Severity    errors.ErrorSeverity
	Recoverable bool
}

// Classifier maps an error message to a classification. Implementations
// must be pure functions of the message text.
type Classifier interface {
	Classify(message string) Classification
}

// SubstringClassifier classifies by case-insensitive substring matching
// against a fixed rule table. It is the default classifier; a structured
// error-code classifier can be swapped in behind the same interface.
type SubstringClassifier struct {
	rules []rule
}

type rule struct {
	category Category
	patterns []string
}

// fatalSignals terminate a worker beyond recovery regardless of category
var fatalSignals = []string{"sigkill", "sigsegv", "sigabrt"}

// NewSubstringClassifier creates the default classifier
func NewSubstringClassifier() *SubstringClassifier {
	return &SubstringClassifier{
		rules: []rule{
			{CategoryMemory, []string{
				"out of memory", "oom", "heap limit", "enomem",
				"cannot allocate memory", "allocation failed",
			}},
			{CategoryTimeout, []string{
				"timeout", "timed out", "etimedout", "deadline exceeded",
			}},
			{CategoryNetwork, []string{
				"econnrefused", "econnreset", "ehostunreach", "enetunreach",
				"eaddrinuse", "connection refused", "connection reset",
				"socket hang up", "dns lookup failed",
			}},
			{CategoryFilesystem, []string{
				"enoent", "eacces", "emfile", "eperm", "enospc",
				"no such file", "permission denied", "too many open files",
				"read-only file system", "no space left",
			}},
			{CategoryProcess, []string{
				"sigkill", "sigsegv", "sigabrt", "sigterm", "killed",
				"exit status", "spawn failed", "core dumped",
			}},
			{CategoryTestFramework, []string{
				"assertion", "expected", "test failed", "suite failed",
				"snapshot mismatch",
			}},
		},
	}
}

// Classify implements Classifier
func (c *SubstringClassifier) Classify(message string) Classification {
	lower := strings.ToLower(message)

	category := CategoryUnknown
	for _, r := range c.rules {
		if matchesAny(lower, r.patterns) {
			category = r.category
			break
		}
	}

	return Classification{
		Category:    category,
		Severity:    severityOf(category),
		Recoverable: recoverableFrom(category, lower),
	}
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func severityOf(category Category) errors.ErrorSeverity {
	switch category {
	case CategoryMemory:
		return errors.SeverityCritical
	case CategoryTimeout, CategoryNetwork:
		return errors.SeverityHigh
	case CategoryFilesystem, CategoryTestFramework:
		return errors.SeverityMedium
	default:
		return errors.SeverityLow
	}
}

func recoverableFrom(category Category, msg string) bool {
	if category == CategoryMemory || category == CategoryFilesystem {
		return false
	}
	if matchesAny(msg, fatalSignals) {
		return false
	}
	return true
}
