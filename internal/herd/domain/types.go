package domain

import (
	"time"
)

// Document is the loosely typed payload attached to batches and experiments.
// After JSON round-tripping, values are strings, numbers (float64), bools,
// []interface{} or nested map[string]interface{}.
type Document map[string]interface{}

type BatchState string

const (
	Registered BatchState = "registered"
	Scheduled  BatchState = "scheduled"
	Processing BatchState = "processing"
	Succeeded  BatchState = "succeeded"
	Failed     BatchState = "failed"
	Cancelled  BatchState = "cancelled"
)

var AllBatchStates = []BatchState{Registered, Scheduled, Processing, Succeeded, Failed, Cancelled}

// ActiveStates are the states in which a batch holds resources on its node.
var ActiveStates = []BatchState{Scheduled, Processing}

var TerminalStates = []BatchState{Succeeded, Failed, Cancelled}

func (s BatchState) IsTerminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

type NodeHealth string

const (
	Online  NodeHealth = "online"
	Offline NodeHealth = "offline"
)

type GPUDevice struct {
	Id     string `json:"id"`
	Memory int64  `json:"memory"`
}

type Node struct {
	Name   string      `json:"name"`
	Memory int64       `json:"memory"`
	GPUs   []GPUDevice `json:"gpus"`
	Health NodeHealth  `json:"health"`
}

// Connector describes one declared input or output of a batch.
// Kinds backed by a filesystem require mount capability on the node.
type Connector struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

var mountKinds = map[string]bool{
	"volume": true,
	"fuse":   true,
	"nfs":    true,
}

func (c Connector) RequiresMount() bool {
	return mountKinds[c.Kind]
}

type HistoryEntry struct {
	State   BatchState `json:"state"`
	Time    time.Time  `json:"time"`
	Node    string     `json:"node,omitempty"`
	Message string     `json:"message,omitempty"`
}

type Experiment struct {
	Id                  string   `json:"id"`
	Memory              int64    `json:"memory"`
	GPURequirement      string   `json:"gpuRequirement,omitempty"`
	ConcurrencyLimit    int      `json:"concurrencyLimit"`
	DisableImagePull    bool     `json:"disableImagePull"`
	Image               string   `json:"image"`
	ImageAuth           string   `json:"imageAuth,omitempty"`
	ProtectedKeysVoided bool     `json:"protectedKeysVoided"`
	Payload             Document `json:"payload,omitempty"`
}

const DefaultConcurrencyLimit = 64

// Limit returns the effective concurrency limit for the experiment.
func (e *Experiment) Limit() int {
	if e.ConcurrencyLimit <= 0 {
		return DefaultConcurrencyLimit
	}
	return e.ConcurrencyLimit
}

type Batch struct {
	Id                  string         `json:"id"`
	ExperimentId        string         `json:"experimentId"`
	Inputs              []Connector    `json:"inputs,omitempty"`
	Outputs             []Connector    `json:"outputs,omitempty"`
	State               BatchState     `json:"state"`
	Node                string         `json:"node,omitempty"`
	UsedGPUs            []string       `json:"usedGPUs,omitempty"`
	Mount               bool           `json:"mount"`
	Attempts            int            `json:"attempts"`
	History             []HistoryEntry `json:"history,omitempty"`
	RegistrationTime    time.Time      `json:"registrationTime"`
	ProtectedKeysVoided bool           `json:"protectedKeysVoided"`
	NotificationsSent   bool           `json:"notificationsSent"`
	Payload             Document       `json:"payload,omitempty"`
}

// NeedsMount reports whether any declared connector of the batch
// requires a mounted filesystem on the executing node.
func (b *Batch) NeedsMount() bool {
	for _, c := range b.Inputs {
		if c.RequiresMount() {
			return true
		}
	}
	for _, c := range b.Outputs {
		if c.RequiresMount() {
			return true
		}
	}
	return false
}
