// Package servicedef holds the JSON shapes exchanged between the broker's admin web service and
// the harness's admin and lookup clients.
package servicedef

import "gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

const (
	// DefaultTenant and DefaultNamespace are where topics created through the Kafka protocol live.
	DefaultTenant    = "public"
	DefaultNamespace = "default"

	// TopicDomain prefixes fully qualified topic names.
	TopicDomain = "persistent"

	CompactionStatusSuccess = "SUCCESS"
	CompactionStatusError   = "ERROR"

	// BrokerHealthy is the body of the broker health check.
	BrokerHealthy = "ok"
)

// CreateTopicParams is the optional body of a topic creation request. Without Partitions the
// topic is created non-partitioned.
type CreateTopicParams struct {
	Partitions ldvalue.OptionalInt `json:"partitions,omitempty"`
}

// LookupData is returned by the topic lookup endpoint and by the broker's RPC lookup.
type LookupData struct {
	BrokerURL    string `json:"brokerUrl"`
	BrokerURLTLS string `json:"brokerUrlTls,omitempty"`
	HTTPURL      string `json:"httpUrl"`
	HTTPURLTLS   string `json:"httpUrlTls,omitempty"`
	KafkaURL     string `json:"kafkaUrl,omitempty"`
	KafkaURLTLS  string `json:"kafkaUrlTls,omitempty"`
	Bundle       string `json:"bundle,omitempty"`
}

// PartitionStats describes one partition of a topic.
type PartitionStats struct {
	Partition      int32   `json:"partition"`
	LogStartOffset int64   `json:"logStartOffset"`
	HighWatermark  int64   `json:"highWatermark"`
	Ledgers        []int64 `json:"ledgers"`
}

// TopicStats is returned by the topic stats endpoint.
type TopicStats struct {
	Topic          string           `json:"topic"`
	KafkaTopic     string           `json:"kafkaTopic"`
	Partitions     int              `json:"partitions"`
	MsgInCounter   int64            `json:"msgInCounter"`
	BytesInCounter int64            `json:"bytesInCounter"`
	PartitionStats []PartitionStats `json:"partitionStats"`
}

// CompactionStatus is returned when compaction is triggered through the admin API.
type CompactionStatus struct {
	Topic         string `json:"topic"`
	Status        string `json:"status"`
	RecordsBefore int    `json:"recordsBefore"`
	RecordsAfter  int    `json:"recordsAfter"`
	LastError     string `json:"lastError,omitempty"`
}

// ErrorResponse is the body of any non-2xx admin response.
type ErrorResponse struct {
	Reason string `json:"reason"`
}
