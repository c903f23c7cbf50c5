package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpt_relay_bot_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"chat_type"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpt_relay_bot_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"status"})

	repliesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpt_relay_bot_replies_sent_total",
		Help: "Total number of reply chunks sent",
	}, []string{"transport", "status"})

	// Command metrics
	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpt_relay_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// Completion metrics
	aiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpt_relay_bot_ai_request_duration_seconds",
		Help:    "Duration of completion requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	aiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpt_relay_bot_ai_requests_total",
		Help: "Total number of completion requests",
	}, []string{"model", "status"})

	tokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpt_relay_bot_tokens_total",
		Help: "Total number of tokens consumed",
	}, []string{"direction"})

	imagesGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpt_relay_bot_images_generated_total",
		Help: "Total number of image generation requests",
	}, []string{"status"})

	// Session cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpt_relay_bot_session_cache_hits_total",
		Help: "Total number of session cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpt_relay_bot_session_cache_misses_total",
		Help: "Total number of session cache misses",
	})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpt_relay_bot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpt_relay_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpt_relay_bot_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Sessions held in memory
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpt_relay_bot_active_sessions",
		Help: "Number of user sessions held in memory",
	})

	// Identities with an open conversation
	chattingUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpt_relay_bot_chatting_users",
		Help: "Number of identities with an active conversation",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(chatType string) {
	messagesReceived.WithLabelValues(chatType).Inc()
}

// RecordMessageProcessed records a processed message
func (m *Metrics) RecordMessageProcessed(status string) {
	messagesProcessed.WithLabelValues(status).Inc()
}

// RecordReplySent records one outbound reply chunk
func (m *Metrics) RecordReplySent(transport, status string) {
	repliesSent.WithLabelValues(transport, status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordAIRequest records a completion request
func (m *Metrics) RecordAIRequest(model, status string, duration time.Duration) {
	aiRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	aiRequestsTotal.WithLabelValues(model, status).Inc()
}

// RecordTokens records token usage of one completion
func (m *Metrics) RecordTokens(prompt, completion int) {
	tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

func (m *Metrics) RecordImage(status string) {
	imagesGenerated.WithLabelValues(status).Inc()
}

// RecordCacheHit records a session cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a session cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveSessions sets the number of cached sessions
func (m *Metrics) SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// SetChattingUsers sets the number of identities with an open conversation
func (m *Metrics) SetChattingUsers(count int) {
	chattingUsers.Set(float64(count))
}

// NewMetricsServer builds the HTTP server exposing metrics and a health check
func NewMetricsServer(port int, path string) *http.Server {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
