package dispatch

import (
	"strings"
	"time"
)

// Config holds the tunables recognized throughout the dispatch engine
// (spec §6.5). A zero Config is not usable; start from DefaultConfig.
type Config struct {
	// WorkerCount is the number of concurrent worker goroutines per process.
	WorkerCount int `envconfig:"WORKER_COUNT" default:"3"`

	// MaxAttempts is the attempt ceiling before a job moves to the DLQ.
	MaxAttempts int `envconfig:"MAX_ATTEMPTS" default:"3"`

	// BaseRetryDelay is the base of the exponential retry backoff.
	BaseRetryDelay time.Duration `envconfig:"BASE_RETRY_DELAY_S" default:"60s"`

	// PendingTimeout is how long an unacknowledged entry may sit with a
	// consumer before another worker may reclaim it.
	PendingTimeout time.Duration `envconfig:"PENDING_TIMEOUT_S" default:"60s"`

	// DrainTimeout bounds graceful shutdown: workers finish in-flight jobs
	// within this window before being aborted.
	DrainTimeout time.Duration `envconfig:"DRAIN_TIMEOUT_S" default:"30s"`

	// DispatchTimeout bounds a single provider dispatch call.
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT_S" default:"30s"`

	// RateWaitMax bounds how long a worker waits for a rate-limit token
	// before treating the acquire as a transient failure.
	RateWaitMax time.Duration `envconfig:"RATE_WAIT_MAX_S" default:"30s"`

	// SchedulerTick is the parked-set poll interval.
	SchedulerTick time.Duration `envconfig:"SCHEDULER_TICK_S" default:"1s"`

	// ReclaimInterval is how often a worker scans for reclaimable pending
	// entries (spec §4.5 step 4).
	ReclaimInterval time.Duration `envconfig:"RECLAIM_INTERVAL_S" default:"30s"`

	// HeartbeatTTL is the liveness window for worker heartbeats (spec §6.4).
	// It is loaded and defaulted here; no component reads it.
	HeartbeatTTL time.Duration `envconfig:"HEARTBEAT_TTL_S" default:"30s"`

	// DefaultProvider is loaded from the environment but not consulted:
	// job.New always defaults an omitted provider to smtp.
	DefaultProvider string `envconfig:"DEFAULT_PROVIDER" default:"smtp"`

	// FromAddress is the sender address used for all outbound mail; jobs
	// carry no sender of their own.
	FromAddress string `envconfig:"FROM_ADDRESS" default:"no-reply@example.com"`

	// StoreAddr is the queue-store connection string (Redis address when
	// Backend is "redis"; ignored for the in-memory backend).
	StoreAddr string `envconfig:"STORE_ADDR" default:"localhost:6379"`

	// Backend selects the queuestore implementation: "memory" or "redis".
	Backend string `envconfig:"BACKEND" default:"memory"`

	// ClusterBackend selects the cluster.Store implementation: "memory"
	// for single-instance deployments or "k8s" for a multi-replica
	// deployment electing a leader via the coordination/v1 Lease API.
	ClusterBackend string `envconfig:"CLUSTER_BACKEND" default:"memory"`

	// K8sNamespace is the namespace the k8s cluster backend operates in.
	// Only used when ClusterBackend is "k8s".
	K8sNamespace string `envconfig:"K8S_NAMESPACE" default:"default"`

	// HTTPAddr is the address the ingress HTTP server listens on.
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// ServiceTokens is a comma-separated "name:token" list used to build
	// the identity.StaticAuthenticator (spec §6.1, §10.2). envconfig has
	// no native map support, so this is parsed by ServiceTokenMap.
	ServiceTokens string `envconfig:"SERVICE_TOKENS" default:""`

	// ServiceTokenPrefix is required on every presented X-Service-Token
	// value before lookup.
	ServiceTokenPrefix string `envconfig:"SERVICE_TOKEN_PREFIX" default:"st_"`

	// SMTPHost, SMTPPort, SMTPUsername, SMTPPassword configure the SMTP
	// relay driver (provider.SMTPConfig).
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// SendGridAPIKey authenticates the SendGrid HTTP API driver.
	SendGridAPIKey string `envconfig:"SENDGRID_API_KEY" default:""`

	// MailgunAPIKey and MailgunDomain configure the Mailgun HTTP API
	// driver. MailgunBaseURL overrides the API region (EU vs US).
	MailgunAPIKey  string `envconfig:"MAILGUN_API_KEY" default:""`
	MailgunDomain  string `envconfig:"MAILGUN_DOMAIN" default:""`
	MailgunBaseURL string `envconfig:"MAILGUN_BASE_URL" default:""`

	// AWSRegion selects the region the SES v2 client is constructed
	// against; credentials are resolved the usual aws-sdk-go-v2 way
	// (environment, shared config, instance role).
	AWSRegion string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// ServiceTokenMap parses ServiceTokens ("name1:token1,name2:token2")
// into the map identity.NewStaticAuthenticator expects. Malformed
// entries (missing ':' or an empty name/token) are skipped.
func (c Config) ServiceTokenMap() map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(c.ServiceTokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		if !ok || name == "" || token == "" {
			continue
		}
		tokens[name] = token
	}
	return tokens
}

// DefaultConfig returns a Config with the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:     3,
		MaxAttempts:     3,
		BaseRetryDelay:  60 * time.Second,
		PendingTimeout:  60 * time.Second,
		DrainTimeout:    30 * time.Second,
		DispatchTimeout: 30 * time.Second,
		RateWaitMax:     30 * time.Second,
		SchedulerTick:   1 * time.Second,
		ReclaimInterval: 30 * time.Second,
		HeartbeatTTL:    30 * time.Second,
		DefaultProvider: "smtp",
		FromAddress:     "no-reply@example.com",
		StoreAddr:       "localhost:6379",
		Backend:         "memory",
		ClusterBackend:  "memory",
		K8sNamespace:    "default",
		HTTPAddr:        ":8080",

		ServiceTokenPrefix: "st_",
		SMTPHost:           "localhost",
		SMTPPort:           587,
		AWSRegion:          "us-east-1",
	}
}
