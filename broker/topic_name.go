package broker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/streamnative/kop-test-harness/servicedef"
)

const partitionSuffix = "-partition-"

// ErrInvalidTopicName is returned for names that are neither a bare topic nor fully qualified.
var ErrInvalidTopicName = errors.New("invalid topic name")

// TopicName identifies a topic as tenant/namespace/local name.
type TopicName struct {
	Tenant    string
	Namespace string
	Local     string
}

// ParseTopicName accepts either a bare Kafka topic name, which lives in the default namespace, or
// a fully qualified persistent://tenant/namespace/topic name.
func ParseTopicName(name string) (TopicName, error) {
	if name == "" {
		return TopicName{}, fmt.Errorf("%w: empty", ErrInvalidTopicName)
	}
	rest, qualified := strings.CutPrefix(name, servicedef.TopicDomain+"://")
	if !qualified {
		if strings.ContainsAny(name, "/:") {
			return TopicName{}, fmt.Errorf("%w %q", ErrInvalidTopicName, name)
		}
		return TopicName{Tenant: servicedef.DefaultTenant, Namespace: servicedef.DefaultNamespace, Local: name}, nil
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return TopicName{}, fmt.Errorf("%w %q", ErrInvalidTopicName, name)
	}
	return TopicName{Tenant: parts[0], Namespace: parts[1], Local: parts[2]}, nil
}

// NamespaceName returns tenant/namespace.
func (t TopicName) NamespaceName() string {
	return t.Tenant + "/" + t.Namespace
}

func (t TopicName) IsDefaultNamespace() bool {
	return t.Tenant == servicedef.DefaultTenant && t.Namespace == servicedef.DefaultNamespace
}

// String returns the fully qualified name.
func (t TopicName) String() string {
	return servicedef.TopicDomain + "://" + t.Tenant + "/" + t.Namespace + "/" + t.Local
}

// KafkaName is the name Kafka clients use: the local name for the default namespace, otherwise
// the fully qualified name.
func (t TopicName) KafkaName() string {
	if t.IsDefaultNamespace() {
		return t.Local
	}
	return t.String()
}

// PartitionName is the name of one partition's backing log.
func (t TopicName) PartitionName(partition int32) string {
	return t.String() + partitionSuffix + strconv.Itoa(int(partition))
}

// storePath is where the topic's metadata lives in the coordination store.
func (t TopicName) storePath() string {
	return managedLedgersRoot + "/" + t.Tenant + "/" + t.Namespace + "/" + servicedef.TopicDomain + "/" + t.Local
}

const managedLedgersRoot = "/managed-ledgers"
