// Package pconfig loads the engine's option table from YAML; CLI flags
// override individual fields afterwards.
package pconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options is the complete recognized configuration surface.
type Options struct {
	// Topology
	ClusterSize      int `yaml:"clusterSize"`
	NumClusters      int `yaml:"numClusters"`
	HubsDontWorkSize int `yaml:"hubsDontWorkSize"`

	// Ramp-up
	RampUpPoolLimit          int     `yaml:"rampUpPoolLimit"`
	RampUpPoolLimitFac       float64 `yaml:"rampUpPoolLimitFac"`
	MinRampUpSubprobsCreated int     `yaml:"minRampUpSubprobsCreated"`

	// Load-balancer pacing
	MaxLoadBalRate     float64 `yaml:"maxLoadBalRate"`
	LoadBalSeconds     float64 `yaml:"loadBalSeconds"`
	LoadBalIdleIncrease float64 `yaml:"loadBalIdleIncrease"`

	// Message batching caps
	MaxTokensInHubMsg int `yaml:"maxTokensInHubMsg"`
	MaxSPPacking      int `yaml:"maxSPPacking"`
	MaxDispatchPacking int `yaml:"maxDispatchPacking"`
	MaxLoadBalSize    int `yaml:"maxLoadBalSize"`
	MaxTokenQueuing   int `yaml:"maxTokenQueuing"`

	// Target fractions
	HubLoadFac  float64 `yaml:"hubLoadFac"`
	LowLoadFac  float64 `yaml:"lowLoadFac"`
	HighLoadFac float64 `yaml:"highLoadFac"`

	// Upward rebalance policy
	Rebalancing    bool    `yaml:"rebalancing"`
	RebalLoadFac   float64 `yaml:"rebalLoadFac"`
	RebalLoadDiff  int     `yaml:"rebalLoadDiff"`
	WorkerKeepCount int    `yaml:"workerKeepCount"`

	// Release probability shaping
	MinScatterProb    float64 `yaml:"minScatterProb"`
	TargetScatterProb float64 `yaml:"targetScatterProb"`
	MaxScatterProb    float64 `yaml:"maxScatterProb"`
	ScatterFac        float64 `yaml:"scatterFac"`
	InitForceReleases int     `yaml:"initForceReleases"`

	// Inter-cluster scatter
	MinNonLocalScatterProb    float64 `yaml:"minNonLocalScatterProb"`
	TargetNonLocalScatterProb float64 `yaml:"targetNonLocalScatterProb"`
	MaxNonLocalScatterProb    float64 `yaml:"maxNonLocalScatterProb"`
	ClusterLowLoadRatio       float64 `yaml:"clusterLowLoadRatio"`
	ClusterHighLoadRatio      float64 `yaml:"clusterHighLoadRatio"`

	// Inter-cluster load-balancer shaping
	LoadBalTreeRadix    int     `yaml:"loadBalTreeRadix"`
	LoadBalDonorFac     float64 `yaml:"loadBalDonorFac"`
	LoadBalReceiverFac  float64 `yaml:"loadBalReceiverFac"`
	LoadBalMinSourceCount int   `yaml:"loadBalMinSourceCount"`
	LoadBalEarlyRounds  int     `yaml:"loadBalEarlyRounds"`

	// Incumbent thread policy
	IncumbTreeRadix     int     `yaml:"incumbTreeRadix"`
	IncSearchMaxControl float64 `yaml:"incSearchMaxControl"`
	UseIncumbentThread  bool    `yaml:"useIncumbentThread"`
	IncThreadBiasFactor float64 `yaml:"incThreadBiasFactor"`
	IncThreadBiasPower  float64 `yaml:"incThreadBiasPower"`
	IncThreadMinBias    float64 `yaml:"incThreadMinBias"`
	IncThreadMaxBias    float64 `yaml:"incThreadMaxBias"`
	NoIncumbentMinBias  float64 `yaml:"noIncumbentMinBias"`
	IncThreadGapSlices  int     `yaml:"incThreadGapSlices"`

	// Cooperative scheduler tuning
	TimeSlice        float64 `yaml:"timeSlice"`
	WorkerThreadBias float64 `yaml:"workerThreadBias"`
	MaxWorkerControl float64 `yaml:"maxWorkerControl"`

	// Checkpointing
	CheckpointMinutes     float64 `yaml:"checkpointMinutes"`
	CheckpointMinInterval float64 `yaml:"checkpointMinInterval"`
	CheckpointDir         string  `yaml:"checkpointDir"`
	Restart               bool    `yaml:"restart"`
	Reconfigure           bool    `yaml:"reconfigure"`

	// Termination / mode forcing
	RampUpOnly   bool `yaml:"rampUpOnly"`
	ForceParallel bool `yaml:"forceParallel"`

	// Diagnostics
	WorkersPrintStatus float64 `yaml:"workersPrintStatus"`
	HubsPrintStatus    float64 `yaml:"hubsPrintStatus"`
	TrackIncumbent     bool    `yaml:"trackIncumbent"`
	AbortDebug         int     `yaml:"abortDebug"`
	ProtocolDebug      int     `yaml:"protocolDebug"`

	// Protocol strictness: token/subproblem mismatch handling
	CheckTokensMatch bool `yaml:"checkTokensMatch"`

	// spReceiveBuf is the receiver's initial inbound buffer size, in bytes;
	// exceeding it triggers an spBufferWarning ahead of the oversized
	// payload.
	SPReceiveBuf int `yaml:"spReceiveBuf"`
}

// Default returns the option table's documented defaults. Every numeric
// default here is chosen to be a reasonable small-cluster value; production
// tuning is expected to override via YAML.
func Default() Options {
	return Options{
		ClusterSize:      8,
		NumClusters:      1,
		HubsDontWorkSize: 3,

		RampUpPoolLimit:          1000,
		RampUpPoolLimitFac:       2.0,
		MinRampUpSubprobsCreated: 8,

		MaxLoadBalRate:      1.0,
		LoadBalSeconds:      5.0,
		LoadBalIdleIncrease: 2.0,

		MaxTokensInHubMsg:  32,
		MaxSPPacking:       16,
		MaxDispatchPacking: 16,
		MaxLoadBalSize:     16,
		MaxTokenQueuing:    3,

		HubLoadFac:  1.0,
		LowLoadFac:  0.5,
		HighLoadFac: 1.5,

		Rebalancing:     true,
		RebalLoadFac:    1.5,
		RebalLoadDiff:   4,
		WorkerKeepCount: 2,

		MinScatterProb:    0.01,
		TargetScatterProb: 0.1,
		MaxScatterProb:    0.5,
		ScatterFac:        1.0,
		InitForceReleases: 2,

		MinNonLocalScatterProb:    0.0,
		TargetNonLocalScatterProb: 0.05,
		MaxNonLocalScatterProb:    0.25,
		ClusterLowLoadRatio:       0.5,
		ClusterHighLoadRatio:      1.5,

		LoadBalTreeRadix:      2,
		LoadBalDonorFac:       1.2,
		LoadBalReceiverFac:    0.8,
		LoadBalMinSourceCount: 2,
		LoadBalEarlyRounds:    3,

		IncumbTreeRadix:     2,
		IncSearchMaxControl: 1.0,
		UseIncumbentThread:  true,
		IncThreadBiasFactor: 1.0,
		IncThreadBiasPower:  1.0,
		IncThreadMinBias:    0.1,
		IncThreadMaxBias:    10.0,
		NoIncumbentMinBias:  5.0,
		IncThreadGapSlices:  4,

		TimeSlice:        0.1,
		WorkerThreadBias: 1.0,
		MaxWorkerControl: 1.0,

		CheckpointMinutes:     0,
		CheckpointMinInterval: 1.0,
		CheckpointDir:         "./checkpoints",
		Restart:               false,
		Reconfigure:           false,

		RampUpOnly:    false,
		ForceParallel: false,

		WorkersPrintStatus: 0,
		HubsPrintStatus:    0,
		TrackIncumbent:     false,
		AbortDebug:         0,
		ProtocolDebug:      0,

		CheckTokensMatch: true,
		SPReceiveBuf:     4096,
	}
}

// Load reads YAML from path over a Default() base, so an incomplete file
// only overrides the fields it mentions.
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("pconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("pconfig: parse %s: %w", path, err)
	}
	return opts, nil
}

// Validate reports configuration that would make the engine unable to
// start, as distinguished from merely suboptimal tuning.
func (o Options) Validate() error {
	if o.ClusterSize < 1 {
		return fmt.Errorf("pconfig: clusterSize must be >= 1, got %d", o.ClusterSize)
	}
	if o.NumClusters < 1 {
		return fmt.Errorf("pconfig: numClusters must be >= 1, got %d", o.NumClusters)
	}
	if o.LoadBalTreeRadix < 2 {
		return fmt.Errorf("pconfig: loadBalTreeRadix must be >= 2, got %d", o.LoadBalTreeRadix)
	}
	if o.IncumbTreeRadix < 2 {
		return fmt.Errorf("pconfig: incumbTreeRadix must be >= 2, got %d", o.IncumbTreeRadix)
	}
	if o.TimeSlice <= 0 {
		return fmt.Errorf("pconfig: timeSlice must be > 0, got %f", o.TimeSlice)
	}
	if o.MaxTokenQueuing < 1 {
		return fmt.Errorf("pconfig: maxTokenQueuing must be >= 1, got %d", o.MaxTokenQueuing)
	}
	return nil
}
