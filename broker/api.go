package broker

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	apiKeyProduce          int16 = 0
	apiKeyFetch            int16 = 1
	apiKeyListOffsets      int16 = 2
	apiKeyMetadata         int16 = 3
	apiKeyOffsetCommit     int16 = 8
	apiKeyOffsetFetch      int16 = 9
	apiKeyFindCoordinator  int16 = 10
	apiKeyJoinGroup        int16 = 11
	apiKeyHeartbeat        int16 = 12
	apiKeyLeaveGroup       int16 = 13
	apiKeySyncGroup        int16 = 14
	apiKeySASLHandshake    int16 = 17
	apiKeyApiVersions      int16 = 18
	apiKeyInitProducerID   int16 = 22
	apiKeySASLAuthenticate int16 = 36

	brokerNodeID int32 = 0
)

type versionRange struct {
	min, max int16
	// preAuth requests are served before SASL authentication completes.
	preAuth bool
}

var supportedAPIs = map[int16]versionRange{
	apiKeyProduce:          {min: 3, max: 8},
	apiKeyFetch:            {min: 4, max: 11},
	apiKeyListOffsets:      {min: 1, max: 5},
	apiKeyMetadata:         {min: 1, max: 8},
	apiKeyOffsetCommit:     {min: 0, max: 7},
	apiKeyOffsetFetch:      {min: 0, max: 5},
	apiKeyFindCoordinator:  {min: 0, max: 2},
	apiKeyJoinGroup:        {min: 0, max: 5},
	apiKeyHeartbeat:        {min: 0, max: 3},
	apiKeyLeaveGroup:       {min: 0, max: 3},
	apiKeySyncGroup:        {min: 0, max: 3},
	apiKeySASLHandshake:    {min: 0, max: 1, preAuth: true},
	apiKeyApiVersions:      {min: 0, max: 3, preAuth: true},
	apiKeyInitProducerID:   {min: 0, max: 4},
	apiKeySASLAuthenticate: {min: 0, max: 1, preAuth: true},
}

func apiVersionKeys() []kmsg.ApiVersionsResponseApiKey {
	keys := make([]kmsg.ApiVersionsResponseApiKey, 0, len(supportedAPIs))
	for key, v := range supportedAPIs {
		k := kmsg.NewApiVersionsResponseApiKey()
		k.ApiKey = key
		k.MinVersion = v.min
		k.MaxVersion = v.max
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ApiKey < keys[j].ApiKey })
	return keys
}

func (c *conn) handleApiVersions(req *kmsg.ApiVersionsRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.ApiVersionsResponse)
	resp.ApiKeys = apiVersionKeys()
	return resp
}

// unsupportedApiVersions answers an ApiVersions request newer than we understand. The reply is
// always v0 so the client can read the supported range and retry.
func (c *conn) unsupportedApiVersions() kmsg.Response {
	resp := kmsg.NewPtrApiVersionsResponse()
	resp.Version = 0
	resp.ErrorCode = kerr.UnsupportedVersion.Code
	resp.ApiKeys = apiVersionKeys()
	return resp
}

func (c *conn) brokerMetadata() kmsg.MetadataResponseBroker {
	b := kmsg.NewMetadataResponseBroker()
	b.NodeID = brokerNodeID
	b.Host = c.listener.host
	b.Port = c.listener.port
	return b
}

func topicMetadataResponse(t *topic) kmsg.MetadataResponseTopic {
	mt := kmsg.NewMetadataResponseTopic()
	name := t.name.KafkaName()
	mt.Topic = &name
	for i := range t.partitions {
		mp := kmsg.NewMetadataResponseTopicPartition()
		mp.Partition = int32(i)
		mp.Leader = brokerNodeID
		mp.LeaderEpoch = -1
		mp.Replicas = []int32{brokerNodeID}
		mp.ISR = []int32{brokerNodeID}
		mt.Partitions = append(mt.Partitions, mp)
	}
	return mt
}

func (c *conn) handleMetadata(ctx context.Context, req *kmsg.MetadataRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.MetadataResponse)
	resp.Brokers = []kmsg.MetadataResponseBroker{c.brokerMetadata()}
	cluster := c.svc.conf.ClusterName
	resp.ClusterID = &cluster
	resp.ControllerID = brokerNodeID

	if len(req.Topics) == 0 {
		for _, t := range c.svc.allTopics() {
			resp.Topics = append(resp.Topics, topicMetadataResponse(t))
		}
		return resp
	}
	allowCreate := req.Version < 4 || req.AllowAutoTopicCreation
	for _, rt := range req.Topics {
		if rt.Topic == nil {
			continue
		}
		t, err := c.svc.lookupKafkaTopic(ctx, *rt.Topic, allowCreate)
		if err != nil {
			mt := kmsg.NewMetadataResponseTopic()
			mt.Topic = rt.Topic
			switch {
			case errors.Is(err, ErrTopicNotFound):
				mt.ErrorCode = kerr.UnknownTopicOrPartition.Code
			case errors.Is(err, ErrInvalidTopicName):
				mt.ErrorCode = kerr.InvalidTopicException.Code
			default:
				c.logger.Warnf("Failed to load topic %s: %s", *rt.Topic, err)
				mt.ErrorCode = kerr.LeaderNotAvailable.Code
			}
			resp.Topics = append(resp.Topics, mt)
			continue
		}
		resp.Topics = append(resp.Topics, topicMetadataResponse(t))
	}
	return resp
}

func (c *conn) handleFindCoordinator(req *kmsg.FindCoordinatorRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.FindCoordinatorResponse)
	if c.svc.groups == nil || req.CoordinatorType != 0 {
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		resp.NodeID = -1
		resp.Port = -1
		return resp
	}
	resp.NodeID = brokerNodeID
	resp.Host = c.listener.host
	resp.Port = c.listener.port
	return resp
}

func (c *conn) handleListOffsets(ctx context.Context, req *kmsg.ListOffsetsRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.ListOffsetsResponse)
	for _, rt := range req.Topics {
		st := kmsg.NewListOffsetsResponseTopic()
		st.Topic = rt.Topic
		t, err := c.svc.lookupKafkaTopic(ctx, rt.Topic, false)
		for _, rp := range rt.Partitions {
			sp := kmsg.NewListOffsetsResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.Timestamp = -1
			sp.Offset = -1
			sp.LeaderEpoch = -1
			var p *partitionLog
			if err == nil {
				p = t.partition(rp.Partition)
			}
			if p == nil {
				sp.ErrorCode = kerr.UnknownTopicOrPartition.Code
				st.Partitions = append(st.Partitions, sp)
				continue
			}
			switch rp.Timestamp {
			case -1:
				sp.Offset = p.highWatermark()
			case -2:
				sp.Offset = p.startOffset()
			default:
				offset, ts, err := p.offsetForTimestamp(rp.Timestamp)
				if err != nil {
					c.logger.Warnf("Offset lookup failed: %s", err)
					sp.ErrorCode = kerr.KafkaStorageError.Code
				}
				sp.Offset, sp.Timestamp = offset, ts
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp
}

// handleInitProducerID hands out producer ids so idempotent clients can start. Sequence numbers
// are not checked.
func (c *conn) handleInitProducerID(req *kmsg.InitProducerIDRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.InitProducerIDResponse)
	if req.TransactionalID != nil {
		resp.ErrorCode = kerr.TransactionalIDAuthorizationFailed.Code
		resp.ProducerID = -1
		resp.ProducerEpoch = -1
		return resp
	}
	resp.ProducerID = atomic.AddInt64(&c.svc.producerIDs, 1)
	resp.ProducerEpoch = 0
	return resp
}
