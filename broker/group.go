package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/streamnative/kop-test-harness/coordination"
)

const (
	offsetsRoot           = "/kop/offsets"
	defaultRebalanceLimit = time.Minute
	sessionCheckInterval  = time.Second
)

type groupState int

const (
	groupEmpty groupState = iota
	groupPreparingRebalance
	groupCompletingRebalance
	groupStable
	groupDead
)

func (s groupState) String() string {
	switch s {
	case groupEmpty:
		return "Empty"
	case groupPreparingRebalance:
		return "PreparingRebalance"
	case groupCompletingRebalance:
		return "CompletingRebalance"
	case groupStable:
		return "Stable"
	case groupDead:
		return "Dead"
	default:
		return fmt.Sprintf("groupState(%d)", int(s))
	}
}

type groupMember struct {
	id               string
	instanceID       *string
	clientID         string
	protocols        []kmsg.JoinGroupRequestProtocol
	sessionTimeout   time.Duration
	rebalanceTimeout time.Duration
	lastHeartbeat    time.Time
	assignment       []byte
	joinCh           chan *kmsg.JoinGroupResponse
	syncCh           chan *kmsg.SyncGroupResponse
}

func (m *groupMember) supports(protocol string) bool {
	for _, p := range m.protocols {
		if p.Name == protocol {
			return true
		}
	}
	return false
}

func (m *groupMember) metadataFor(protocol string) []byte {
	for _, p := range m.protocols {
		if p.Name == protocol {
			return p.Metadata
		}
	}
	return nil
}

// CommittedOffset is what is stored for one group/partition.
type CommittedOffset struct {
	Offset      int64  `json:"offset"`
	LeaderEpoch int32  `json:"leaderEpoch"`
	Metadata    string `json:"metadata"`
	CommitTime  int64  `json:"commitTime"`
}

type group struct {
	id           string
	lock         sync.Mutex
	state        groupState
	generation   int32
	protocolType string
	protocol     string
	leader       string
	members      map[string]*groupMember
	round        int
	timer        *time.Timer
	offsets      map[string]map[int32]CommittedOffset
}

// groupCoordinator implements consumer group membership and offset storage for a single broker.
// Committed offsets are persisted in the coordination store so they survive broker restarts.
type groupCoordinator struct {
	svc    *Service
	groups *xsync.Map
	logger *logrus.Entry
	lock   sync.Mutex
	closed bool
}

func newGroupCoordinator(svc *Service) *groupCoordinator {
	return &groupCoordinator{
		svc:    svc,
		groups: xsync.NewMap(),
		logger: svc.logger.WithField("Component", "group-coordinator"),
	}
}

// offsetsPartition maps a group to a partition of the offsets store.
func (gc *groupCoordinator) offsetsPartition(groupID string) int {
	n := gc.svc.conf.OffsetsTopicNumPartitions
	if n <= 0 {
		n = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(groupID))
	return int(h.Sum32() % uint32(n))
}

func (gc *groupCoordinator) offsetsPath(groupID string) string {
	return fmt.Sprintf("%s/partition-%d/%s", offsetsRoot, gc.offsetsPartition(groupID), groupID)
}

func (gc *groupCoordinator) group(id string) *group {
	v, _ := gc.groups.LoadOrCompute(id, func() interface{} {
		g := &group{id: id, members: make(map[string]*groupMember)}
		g.offsets = gc.loadOffsets(id)
		return g
	})
	return v.(*group)
}

func (gc *groupCoordinator) loadOffsets(id string) map[string]map[int32]CommittedOffset {
	ret := make(map[string]map[int32]CommittedOffset)
	data, _, err := gc.svc.coord.Get(gc.offsetsPath(id))
	if err != nil {
		if !errors.Is(err, coordination.ErrNoNode) {
			gc.logger.WithField("Group", id).Warnf("Failed to load committed offsets: %s", err)
		}
		return ret
	}
	if err := json.Unmarshal(data, &ret); err != nil {
		gc.logger.WithField("Group", id).Warnf("Malformed committed offsets: %s", err)
		return make(map[string]map[int32]CommittedOffset)
	}
	return ret
}

func (gc *groupCoordinator) persistOffsets(g *group) error {
	data, err := json.Marshal(g.offsets)
	if err != nil {
		return err
	}
	path := gc.offsetsPath(g.id)
	_, err = gc.svc.coord.Set(path, data, coordination.AnyVersion)
	if errors.Is(err, coordination.ErrNoNode) {
		err = gc.svc.coord.CreateFullPathOptimistic(path, data, nil, coordination.Persistent)
	}
	return err
}

// CommittedOffsets returns a copy of a group's committed offsets.
func (s *Service) CommittedOffsets(groupID string) map[string]map[int32]CommittedOffset {
	if s.groups == nil {
		return nil
	}
	g := s.groups.group(groupID)
	g.lock.Lock()
	defer g.lock.Unlock()
	ret := make(map[string]map[int32]CommittedOffset, len(g.offsets))
	for topic, parts := range g.offsets {
		ret[topic] = make(map[int32]CommittedOffset, len(parts))
		for p, o := range parts {
			ret[topic][p] = o
		}
	}
	return ret
}

func (gc *groupCoordinator) join(ctx context.Context, clientID string, req *kmsg.JoinGroupRequest) *kmsg.JoinGroupResponse {
	resp := req.ResponseKind().(*kmsg.JoinGroupResponse)
	fail := func(code int16) *kmsg.JoinGroupResponse {
		resp.ErrorCode = code
		resp.Generation = -1
		resp.MemberID = req.MemberID
		return resp
	}
	if req.Group == "" {
		return fail(kerr.InvalidGroupID.Code)
	}
	if req.ProtocolType == "" || len(req.Protocols) == 0 {
		return fail(kerr.InconsistentGroupProtocol.Code)
	}
	g := gc.group(req.Group)
	g.lock.Lock()
	if g.state == groupDead {
		g.lock.Unlock()
		return fail(kerr.CoordinatorNotAvailable.Code)
	}
	if len(g.members) > 0 && g.protocolType != req.ProtocolType {
		g.lock.Unlock()
		return fail(kerr.InconsistentGroupProtocol.Code)
	}
	m, ok := g.members[req.MemberID]
	if req.MemberID == "" {
		m = &groupMember{id: clientID + "-" + uuid.NewString(), clientID: clientID}
		g.members[m.id] = m
	} else if !ok {
		g.lock.Unlock()
		return fail(kerr.UnknownMemberID.Code)
	}
	g.protocolType = req.ProtocolType
	m.instanceID = req.InstanceID
	m.protocols = req.Protocols
	m.sessionTimeout = time.Duration(req.SessionTimeoutMillis) * time.Millisecond
	m.rebalanceTimeout = time.Duration(req.RebalanceTimeoutMillis) * time.Millisecond
	if req.Version == 0 || m.rebalanceTimeout <= 0 {
		m.rebalanceTimeout = m.sessionTimeout
	}
	m.lastHeartbeat = time.Now()
	if m.joinCh != nil {
		r := kmsg.NewPtrJoinGroupResponse()
		r.ErrorCode = kerr.RebalanceInProgress.Code
		r.Generation = -1
		r.MemberID = m.id
		m.joinCh <- r
	}
	ch := make(chan *kmsg.JoinGroupResponse, 1)
	m.joinCh = ch
	if g.state != groupPreparingRebalance {
		gc.prepareRebalance(g, "member "+m.id+" joined")
	}
	gc.maybeCompleteJoin(g)
	g.lock.Unlock()

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		g.lock.Lock()
		if m.joinCh == ch {
			m.joinCh = nil
			gc.removeMember(g, m.id, "connection closed while joining")
		}
		g.lock.Unlock()
		return fail(kerr.RebalanceInProgress.Code)
	}
}

// prepareRebalance moves the group into PreparingRebalance. Members waiting in SyncGroup are told
// to rejoin. Caller holds g.lock.
func (gc *groupCoordinator) prepareRebalance(g *group, reason string) {
	for _, m := range g.members {
		if m.syncCh != nil {
			r := kmsg.NewPtrSyncGroupResponse()
			r.ErrorCode = kerr.RebalanceInProgress.Code
			m.syncCh <- r
			m.syncCh = nil
		}
	}
	g.state = groupPreparingRebalance
	g.round++
	round := g.round
	limit := time.Duration(0)
	for _, m := range g.members {
		if m.rebalanceTimeout > limit {
			limit = m.rebalanceTimeout
		}
	}
	if limit <= 0 || limit > defaultRebalanceLimit {
		limit = defaultRebalanceLimit
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(limit, func() {
		g.lock.Lock()
		defer g.lock.Unlock()
		if g.round != round || g.state != groupPreparingRebalance {
			return
		}
		for id, m := range g.members {
			if m.joinCh == nil {
				delete(g.members, id)
				gc.logger.WithField("Group", g.id).Infof("Removed member %s that did not rejoin", id)
			}
		}
		gc.maybeCompleteJoin(g)
	})
	gc.logger.WithField("Group", g.id).Debugf("Preparing rebalance: %s", reason)
}

// maybeCompleteJoin finishes the join phase once every member has rejoined. Caller holds g.lock.
func (gc *groupCoordinator) maybeCompleteJoin(g *group) {
	if g.state != groupPreparingRebalance {
		return
	}
	if len(g.members) == 0 {
		gc.resetEmpty(g)
		return
	}
	for _, m := range g.members {
		if m.joinCh == nil {
			return
		}
	}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if _, ok := g.members[g.leader]; !ok {
		g.leader = ids[0]
	}
	g.protocol = gc.selectProtocol(g, ids)
	g.generation++
	g.state = groupCompletingRebalance
	gc.svc.metrics.groupRebalances.Inc()

	for _, id := range ids {
		m := g.members[id]
		r := kmsg.NewPtrJoinGroupResponse()
		r.Generation = g.generation
		protocolType, protocol := g.protocolType, g.protocol
		r.ProtocolType = &protocolType
		r.Protocol = &protocol
		r.LeaderID = g.leader
		r.MemberID = id
		if id == g.leader {
			for _, other := range ids {
				om := g.members[other]
				jm := kmsg.NewJoinGroupResponseMember()
				jm.MemberID = other
				jm.InstanceID = om.instanceID
				jm.ProtocolMetadata = om.metadataFor(g.protocol)
				r.Members = append(r.Members, jm)
			}
		}
		m.joinCh <- r
		m.joinCh = nil
	}
	gc.logger.WithField("Group", g.id).Infof("Generation %d formed with %d member(s), leader %s",
		g.generation, len(ids), g.leader)
}

// selectProtocol picks the leader's most preferred protocol that every member supports.
func (gc *groupCoordinator) selectProtocol(g *group, ids []string) string {
	leader := g.members[g.leader]
	for _, p := range leader.protocols {
		all := true
		for _, id := range ids {
			if !g.members[id].supports(p.Name) {
				all = false
				break
			}
		}
		if all {
			return p.Name
		}
	}
	return leader.protocols[0].Name
}

func (gc *groupCoordinator) resetEmpty(g *group) {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.state = groupEmpty
	g.leader = ""
	g.protocol = ""
	g.generation++
}

// removeMember drops a member and rebalances the rest. Caller holds g.lock.
func (gc *groupCoordinator) removeMember(g *group, id, reason string) {
	m, ok := g.members[id]
	if !ok {
		return
	}
	delete(g.members, id)
	if m.syncCh != nil {
		r := kmsg.NewPtrSyncGroupResponse()
		r.ErrorCode = kerr.UnknownMemberID.Code
		m.syncCh <- r
		m.syncCh = nil
	}
	gc.logger.WithField("Group", g.id).Debugf("Removed member %s: %s", id, reason)
	if len(g.members) == 0 {
		gc.resetEmpty(g)
		return
	}
	if g.state != groupPreparingRebalance {
		gc.prepareRebalance(g, reason)
	}
	gc.maybeCompleteJoin(g)
}

func (gc *groupCoordinator) sync(ctx context.Context, req *kmsg.SyncGroupRequest) *kmsg.SyncGroupResponse {
	resp := req.ResponseKind().(*kmsg.SyncGroupResponse)
	g := gc.group(req.Group)
	g.lock.Lock()
	m, ok := g.members[req.MemberID]
	switch {
	case !ok:
		resp.ErrorCode = kerr.UnknownMemberID.Code
	case req.Generation != g.generation:
		resp.ErrorCode = kerr.IllegalGeneration.Code
	case g.state == groupPreparingRebalance:
		resp.ErrorCode = kerr.RebalanceInProgress.Code
	case g.state == groupStable:
		resp.MemberAssignment = m.assignment
	case g.state == groupCompletingRebalance:
		ch := make(chan *kmsg.SyncGroupResponse, 1)
		m.syncCh = ch
		if m.id == g.leader {
			gc.completeSync(g, req.GroupAssignment)
		}
		g.lock.Unlock()
		select {
		case r := <-ch:
			return r
		case <-ctx.Done():
			g.lock.Lock()
			if m.syncCh == ch {
				m.syncCh = nil
			}
			g.lock.Unlock()
			resp.ErrorCode = kerr.RebalanceInProgress.Code
			return resp
		}
	default:
		resp.ErrorCode = kerr.UnknownMemberID.Code
	}
	if resp.ErrorCode == 0 {
		protocolType, protocol := g.protocolType, g.protocol
		resp.ProtocolType, resp.Protocol = &protocolType, &protocol
	}
	g.lock.Unlock()
	return resp
}

// completeSync stores the leader's assignment and releases every waiting member. Caller holds
// g.lock.
func (gc *groupCoordinator) completeSync(g *group, assignments []kmsg.SyncGroupRequestGroupAssignment) {
	for _, m := range g.members {
		m.assignment = nil
	}
	for _, a := range assignments {
		if m, ok := g.members[a.MemberID]; ok {
			m.assignment = a.MemberAssignment
		}
	}
	g.state = groupStable
	protocolType, protocol := g.protocolType, g.protocol
	for _, m := range g.members {
		if m.syncCh == nil {
			continue
		}
		r := kmsg.NewPtrSyncGroupResponse()
		r.MemberAssignment = m.assignment
		r.ProtocolType, r.Protocol = &protocolType, &protocol
		m.syncCh <- r
		m.syncCh = nil
	}
}

func (gc *groupCoordinator) heartbeat(req *kmsg.HeartbeatRequest) int16 {
	g := gc.group(req.Group)
	g.lock.Lock()
	defer g.lock.Unlock()
	m, ok := g.members[req.MemberID]
	switch {
	case !ok:
		return kerr.UnknownMemberID.Code
	case req.Generation != g.generation:
		return kerr.IllegalGeneration.Code
	case g.state == groupPreparingRebalance:
		m.lastHeartbeat = time.Now()
		return kerr.RebalanceInProgress.Code
	default:
		m.lastHeartbeat = time.Now()
		return 0
	}
}

func (gc *groupCoordinator) leave(req *kmsg.LeaveGroupRequest) *kmsg.LeaveGroupResponse {
	resp := req.ResponseKind().(*kmsg.LeaveGroupResponse)
	g := gc.group(req.Group)
	g.lock.Lock()
	defer g.lock.Unlock()
	if req.Version < 3 {
		if _, ok := g.members[req.MemberID]; !ok {
			resp.ErrorCode = kerr.UnknownMemberID.Code
			return resp
		}
		gc.removeMember(g, req.MemberID, "left the group")
		return resp
	}
	for _, lm := range req.Members {
		rm := kmsg.NewLeaveGroupResponseMember()
		rm.MemberID = lm.MemberID
		rm.InstanceID = lm.InstanceID
		if _, ok := g.members[lm.MemberID]; !ok {
			rm.ErrorCode = kerr.UnknownMemberID.Code
		} else {
			gc.removeMember(g, lm.MemberID, "left the group")
		}
		resp.Members = append(resp.Members, rm)
	}
	return resp
}

func (gc *groupCoordinator) commit(req *kmsg.OffsetCommitRequest) *kmsg.OffsetCommitResponse {
	resp := req.ResponseKind().(*kmsg.OffsetCommitResponse)
	g := gc.group(req.Group)
	g.lock.Lock()
	defer g.lock.Unlock()

	var code int16
	if req.Generation >= 0 || req.MemberID != "" {
		_, ok := g.members[req.MemberID]
		switch {
		case !ok:
			code = kerr.UnknownMemberID.Code
		case req.Generation != g.generation:
			code = kerr.IllegalGeneration.Code
		case g.state == groupPreparingRebalance:
			code = kerr.RebalanceInProgress.Code
		}
	} else if len(g.members) > 0 {
		// Simple commits are only allowed for groups without active members.
		code = kerr.UnknownMemberID.Code
	}
	now := time.Now().UnixMilli()
	changed := false
	for _, rt := range req.Topics {
		st := kmsg.NewOffsetCommitResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewOffsetCommitResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.ErrorCode = code
			if code == 0 {
				parts := g.offsets[rt.Topic]
				if parts == nil {
					parts = make(map[int32]CommittedOffset)
					g.offsets[rt.Topic] = parts
				}
				o := CommittedOffset{Offset: rp.Offset, LeaderEpoch: rp.LeaderEpoch, CommitTime: now}
				if rp.Metadata != nil {
					o.Metadata = *rp.Metadata
				}
				parts[rp.Partition] = o
				changed = true
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	if changed {
		if err := gc.persistOffsets(g); err != nil {
			gc.logger.WithField("Group", g.id).Errorf("Failed to persist committed offsets: %s", err)
			for i := range resp.Topics {
				for j := range resp.Topics[i].Partitions {
					resp.Topics[i].Partitions[j].ErrorCode = kerr.CoordinatorNotAvailable.Code
				}
			}
		}
	}
	return resp
}

func (gc *groupCoordinator) fetchOffsets(req *kmsg.OffsetFetchRequest) *kmsg.OffsetFetchResponse {
	resp := req.ResponseKind().(*kmsg.OffsetFetchResponse)
	g := gc.group(req.Group)
	g.lock.Lock()
	defer g.lock.Unlock()

	partitionResponse := func(partition int32, o CommittedOffset, found bool) kmsg.OffsetFetchResponseTopicPartition {
		sp := kmsg.NewOffsetFetchResponseTopicPartition()
		sp.Partition = partition
		sp.Offset = -1
		sp.LeaderEpoch = -1
		if found {
			sp.Offset = o.Offset
			sp.LeaderEpoch = o.LeaderEpoch
			metadata := o.Metadata
			sp.Metadata = &metadata
		}
		return sp
	}
	if req.Topics == nil {
		topics := make([]string, 0, len(g.offsets))
		for t := range g.offsets {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		for _, t := range topics {
			st := kmsg.NewOffsetFetchResponseTopic()
			st.Topic = t
			parts := make([]int32, 0, len(g.offsets[t]))
			for p := range g.offsets[t] {
				parts = append(parts, p)
			}
			sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
			for _, p := range parts {
				st.Partitions = append(st.Partitions, partitionResponse(p, g.offsets[t][p], true))
			}
			resp.Topics = append(resp.Topics, st)
		}
		return resp
	}
	for _, rt := range req.Topics {
		st := kmsg.NewOffsetFetchResponseTopic()
		st.Topic = rt.Topic
		for _, p := range rt.Partitions {
			o, found := g.offsets[rt.Topic][p]
			st.Partitions = append(st.Partitions, partitionResponse(p, o, found))
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp
}

// expireSessionsLoop removes members that stopped sending heartbeats.
func (gc *groupCoordinator) expireSessionsLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			gc.expireSessions(now)
		}
	}
}

func (gc *groupCoordinator) expireSessions(now time.Time) {
	gc.groups.Range(func(key string, value interface{}) bool {
		g := value.(*group)
		g.lock.Lock()
		for id, m := range g.members {
			if m.joinCh != nil || m.syncCh != nil || m.sessionTimeout <= 0 {
				continue
			}
			if now.Sub(m.lastHeartbeat) > m.sessionTimeout {
				gc.removeMember(g, id, "session expired")
			}
		}
		g.lock.Unlock()
		return true
	})
}

// close fails every pending join and sync so no request handler stays blocked.
func (gc *groupCoordinator) close() {
	gc.lock.Lock()
	defer gc.lock.Unlock()
	if gc.closed {
		return
	}
	gc.closed = true
	gc.groups.Range(func(key string, value interface{}) bool {
		g := value.(*group)
		g.lock.Lock()
		if g.timer != nil {
			g.timer.Stop()
		}
		for _, m := range g.members {
			if m.joinCh != nil {
				r := kmsg.NewPtrJoinGroupResponse()
				r.ErrorCode = kerr.CoordinatorNotAvailable.Code
				m.joinCh <- r
				m.joinCh = nil
			}
			if m.syncCh != nil {
				r := kmsg.NewPtrSyncGroupResponse()
				r.ErrorCode = kerr.CoordinatorNotAvailable.Code
				m.syncCh <- r
				m.syncCh = nil
			}
		}
		g.state = groupDead
		g.lock.Unlock()
		return true
	})
}

func (c *conn) groupsUnavailable() bool {
	return c.svc.groups == nil
}

func (c *conn) handleJoinGroup(ctx context.Context, req *kmsg.JoinGroupRequest) kmsg.Response {
	if c.groupsUnavailable() {
		resp := req.ResponseKind().(*kmsg.JoinGroupResponse)
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		return resp
	}
	return c.svc.groups.join(ctx, c.clientID, req)
}

func (c *conn) handleSyncGroup(ctx context.Context, req *kmsg.SyncGroupRequest) kmsg.Response {
	if c.groupsUnavailable() {
		resp := req.ResponseKind().(*kmsg.SyncGroupResponse)
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		return resp
	}
	return c.svc.groups.sync(ctx, req)
}

func (c *conn) handleHeartbeat(req *kmsg.HeartbeatRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.HeartbeatResponse)
	if c.groupsUnavailable() {
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		return resp
	}
	resp.ErrorCode = c.svc.groups.heartbeat(req)
	return resp
}

func (c *conn) handleLeaveGroup(req *kmsg.LeaveGroupRequest) kmsg.Response {
	if c.groupsUnavailable() {
		resp := req.ResponseKind().(*kmsg.LeaveGroupResponse)
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		return resp
	}
	return c.svc.groups.leave(req)
}

func (c *conn) handleOffsetCommit(req *kmsg.OffsetCommitRequest) kmsg.Response {
	if c.groupsUnavailable() {
		resp := req.ResponseKind().(*kmsg.OffsetCommitResponse)
		for _, rt := range req.Topics {
			st := kmsg.NewOffsetCommitResponseTopic()
			st.Topic = rt.Topic
			for _, rp := range rt.Partitions {
				sp := kmsg.NewOffsetCommitResponseTopicPartition()
				sp.Partition = rp.Partition
				sp.ErrorCode = kerr.CoordinatorNotAvailable.Code
				st.Partitions = append(st.Partitions, sp)
			}
			resp.Topics = append(resp.Topics, st)
		}
		return resp
	}
	return c.svc.groups.commit(req)
}

func (c *conn) handleOffsetFetch(req *kmsg.OffsetFetchRequest) kmsg.Response {
	if c.groupsUnavailable() {
		resp := req.ResponseKind().(*kmsg.OffsetFetchResponse)
		resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
		return resp
	}
	return c.svc.groups.fetchOffsets(req)
}
