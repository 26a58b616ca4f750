package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/streamnative/kop-test-harness/servicedef"
)

const fullBundleRange = uint64(1) << 32

type defaultNamespaceService struct {
	svc *Service
}

// NewDefaultNamespaceService returns a namespace service that owns every topic on the given
// broker. Topics are assigned to one of DefaultNumberOfNamespaceBundles hash ranges.
func NewDefaultNamespaceService(svc *Service) NamespaceService {
	return &defaultNamespaceService{svc: svc}
}

func (n *defaultNamespaceService) Lookup(ctx context.Context, topic TopicName) (servicedef.LookupData, error) {
	if _, ok := n.svc.getTopic(topic); !ok {
		if _, err := n.svc.lookupKafkaTopic(ctx, topic.String(), true); err != nil {
			return servicedef.LookupData{}, err
		}
	}
	conf := n.svc.conf
	data := servicedef.LookupData{
		BrokerURL: "broker://" + n.svc.webAddress(conf.BrokerServicePort),
		HTTPURL:   "http://" + n.svc.webAddress(conf.WebServicePort),
		Bundle:    n.BundleFor(topic),
	}
	if conf.WebServicePortTLS > 0 && n.svc.tlsConfig != nil {
		data.HTTPURLTLS = "https://" + n.svc.webAddress(conf.WebServicePortTLS)
	}
	for _, l := range n.svc.kafkaListeners {
		addr := fmt.Sprintf("%s:%d", l.host, l.port)
		switch l.conf.Protocol {
		case ListenerPlaintext:
			if data.KafkaURL == "" {
				data.KafkaURL = ListenerPlaintext + "://" + addr
			}
		case ListenerSSL:
			if data.KafkaURLTLS == "" {
				data.KafkaURLTLS = ListenerSSL + "://" + addr
			}
		}
	}
	return data, nil
}

// BundleFor names the hash range containing the topic, in the form 0x00000000_0x40000000.
func (n *defaultNamespaceService) BundleFor(topic TopicName) string {
	bundles := uint64(n.svc.conf.DefaultNumberOfNamespaceBundles)
	if bundles < 1 {
		bundles = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic.String()))
	code := uint64(h.Sum32())
	size := fullBundleRange / bundles
	i := code / size
	if i >= bundles {
		i = bundles - 1
	}
	lower := i * size
	upper := lower + size
	if i == bundles-1 {
		upper = fullBundleRange - 1
	}
	return fmt.Sprintf("0x%08x_0x%08x", lower, upper)
}

func (n *defaultNamespaceService) Namespaces() []string {
	set := map[string]bool{
		servicedef.DefaultTenant + "/" + servicedef.DefaultNamespace: true,
	}
	for _, t := range n.svc.allTopics() {
		set[t.name.NamespaceName()] = true
	}
	ret := make([]string, 0, len(set))
	for ns := range set {
		ret = append(ret, ns)
	}
	sort.Strings(ret)
	return ret
}
