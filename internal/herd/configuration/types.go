package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type HerdConfig struct {
	MetricsPort uint16

	Redis redis.UniversalOptions

	Scheduling    SchedulingConfig
	Voiding       VoidingConfig
	Notifications []WebhookConfig
	Nodes         []NodeConfig
}

type SchedulingConfig struct {
	// Strategy is "spread" or "binpack".
	Strategy            string
	CycleInterval       time.Duration
	AllowInsecureMounts bool
}

type VoidingConfig struct {
	// AgencyId keys the fingerprint hash used when redacting protected fields.
	AgencyId string
}

type WebhookConfig struct {
	Method   string
	Url      string
	Username string
	Password string
	Timeout  time.Duration
}

type GPUConfig struct {
	Id     string
	Memory int64
}

type NodeConfig struct {
	Name     string
	Memory   int64
	GPUs     []GPUConfig
	AgentUrl string
}
