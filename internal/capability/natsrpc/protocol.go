// Package natsrpc carries the capability ports over NATS request/reply.
//
// Every operation is a JSON request on "<prefix>.<op>" answered with a
// response envelope. Change notifications are plain JSON ChangeEvents
// published on "<prefix>.changes".
package natsrpc

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultSubjectPrefix = "crawl.capability"
	defaultTimeout       = 30 * time.Second

	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second

	opScrape     = "scrape"
	opLearn      = "learn"
	opAnalyze    = "analyze"
	opEvaluate   = "evaluate"
	opAddMonitor = "monitor.add"
	opChanges    = "changes"
)

// Config is shared by Client and Server
type Config struct {
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// Breaker only applies to Client
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig trips an operation's circuit after FailureThreshold
// consecutive transport failures and lets one trial request through once
// RecoveryTimeout has passed
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

func (c Config) withDefaults() Config {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = defaultFailureThreshold
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		c.Breaker.RecoveryTimeout = defaultRecoveryTimeout
	}
	return c
}

func (c Config) subject(op string) string {
	return c.SubjectPrefix + "." + op
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type learnRequest struct {
	URL          string   `json:"url"`
	HTML         string   `json:"html"`
	TargetFields []string `json:"target_fields,omitempty"`
}

type analyzeRequest struct {
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

type evaluateRequest struct {
	Before   string                 `json:"before"`
	After    string                 `json:"after"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type addMonitorResponse struct {
	MonitoringID string `json:"monitoring_id"`
}

// RemoteError is an error reported by the service answering a request
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Op, e.Message)
}
