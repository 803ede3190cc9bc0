package rediskey

import "fmt"

// Licensing keys (global convention across services)
const (
	BulkJobPrefix  = "bulk:job"
	SequencePrefix = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildBulkJobKey returns "bulk:job:{jobCode}"
func BuildBulkJobKey(jobCode string) string {
	return NamespaceKey(BulkJobPrefix, jobCode)
}

// BuildDailySequenceKey returns "seq:{prefix}:{yymmdd}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(prefix, day))
}
