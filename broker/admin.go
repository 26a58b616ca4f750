package broker

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamnative/kop-test-harness/servicedef"
)

const adminReadHeaderTimeout = 10 * time.Second

func (s *Service) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v2/clusters", s.getClusters)
	mux.HandleFunc("GET /admin/v2/brokers/health", s.getHealth)
	mux.HandleFunc("GET /admin/v2/brokers/{cluster}", s.getBrokers)
	mux.HandleFunc("GET /admin/v2/namespaces", s.getNamespaces)
	mux.HandleFunc("GET /admin/v2/persistent/{tenant}/{namespace}", s.getTopics)
	mux.HandleFunc("PUT /admin/v2/persistent/{tenant}/{namespace}/{topic}", s.putTopic)
	mux.HandleFunc("GET /admin/v2/persistent/{tenant}/{namespace}/{topic}", s.getTopicStats)
	mux.HandleFunc("DELETE /admin/v2/persistent/{tenant}/{namespace}/{topic}", s.deleteTopicHandler)
	mux.HandleFunc("PUT /admin/v2/persistent/{tenant}/{namespace}/{topic}/compaction", s.compactTopic)
	mux.HandleFunc("GET /lookup/v2/topic/persistent/{tenant}/{namespace}/{topic}", s.lookupTopic)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK) // used to test whether the listener is active yet
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Service) startWebServices() error {
	handler := s.adminHandler()
	if err := s.serveHTTP(s.webAddress(s.conf.WebServicePort), handler, nil); err != nil {
		return err
	}
	if s.conf.WebServicePortTLS > 0 && s.tlsConfig != nil {
		return s.serveHTTP(s.webAddress(s.conf.WebServicePortTLS), handler, s.tlsConfig)
	}
	return nil
}

func (s *Service) serveHTTP(addr string, handler http.Handler, tlsConfig *tls.Config) error {
	l, err := s.listen(addr)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: adminReadHeaderTimeout}
	s.httpServers = append(s.httpServers, server)
	s.group.Go(func() error {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.logger.Debugf("Admin web service listening on %s", addr)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	data, _ := json.Marshal(value)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, servicedef.ErrorResponse{Reason: err.Error()})
}

func topicErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrTopicNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTopicExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTopicName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func pathTopic(r *http.Request) (TopicName, error) {
	name := TopicName{
		Tenant:    r.PathValue("tenant"),
		Namespace: r.PathValue("namespace"),
		Local:     r.PathValue("topic"),
	}
	return ParseTopicName(name.String())
}

func (s *Service) getClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{s.conf.ClusterName})
}

func (s *Service) getHealth(w http.ResponseWriter, r *http.Request) {
	if !s.IsRunning() {
		writeError(w, http.StatusServiceUnavailable, ErrNotRunning)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, servicedef.BrokerHealthy)
}

func (s *Service) getBrokers(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("cluster") != s.conf.ClusterName {
		writeError(w, http.StatusNotFound, errors.New("unknown cluster "+r.PathValue("cluster")))
		return
	}
	writeJSON(w, http.StatusOK, []string{s.webAddress(s.conf.WebServicePort)})
}

func (s *Service) getNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.namespace.Namespaces())
}

func (s *Service) getTopics(w http.ResponseWriter, r *http.Request) {
	topics := s.topicsInNamespace(r.PathValue("tenant"), r.PathValue("namespace"))
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Service) putTopic(w http.ResponseWriter, r *http.Request) {
	name, err := pathTopic(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var params servicedef.CreateTopicParams
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &params); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
	}
	partitions, partitioned := 1, false
	if n, ok := params.Partitions.Get(); ok {
		partitions, partitioned = n, true
	}
	if _, err := s.createTopic(r.Context(), name, partitions, partitioned); err != nil {
		writeError(w, topicErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) getTopicStats(w http.ResponseWriter, r *http.Request) {
	name, err := pathTopic(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, ok := s.getTopic(name)
	if !ok {
		writeError(w, http.StatusNotFound, ErrTopicNotFound)
		return
	}
	stats := servicedef.TopicStats{
		Topic:      name.String(),
		KafkaTopic: name.KafkaName(),
		Partitions: len(t.partitions),
	}
	for _, p := range t.partitions {
		msgIn, bytesIn := p.stats()
		stats.MsgInCounter += msgIn
		stats.BytesInCounter += bytesIn
		stats.PartitionStats = append(stats.PartitionStats, servicedef.PartitionStats{
			Partition:      p.index,
			LogStartOffset: p.startOffset(),
			HighWatermark:  p.highWatermark(),
			Ledgers:        p.ledgerIDs(),
		})
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) deleteTopicHandler(w http.ResponseWriter, r *http.Request) {
	name, err := pathTopic(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deleteTopic(r.Context(), name); err != nil {
		writeError(w, topicErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) compactTopic(w http.ResponseWriter, r *http.Request) {
	name, err := pathTopic(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.Compactor().Compact(r.Context(), name.String())
	status := servicedef.CompactionStatus{
		Topic:         name.String(),
		Status:        servicedef.CompactionStatusSuccess,
		RecordsBefore: result.RecordsBefore,
		RecordsAfter:  result.RecordsAfter,
	}
	if err != nil {
		if errors.Is(err, ErrTopicNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		status.Status = servicedef.CompactionStatusError
		status.LastError = err.Error()
		writeJSON(w, http.StatusInternalServerError, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) lookupTopic(w http.ResponseWriter, r *http.Request) {
	name, err := pathTopic(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := s.namespace.Lookup(r.Context(), name)
	if err != nil {
		writeError(w, topicErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}
