package reactor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// engineOptionsYAML mirrors EngineOptions/ExecutionContextOptions' field
// set for YAML config files, for hosts that would rather ship a tuning
// file than construct EngineOptions in code.
type engineOptionsYAML struct {
	ExecutionMode           string `yaml:"execution_mode"`
	DataNodesExecutionMode  string `yaml:"data_nodes_execution_mode"`
	EnableCancelableCompute bool   `yaml:"enable_cancelable_compute"`
	ThrottleTimeMS          uint   `yaml:"throttle_time_ms"`
	DebounceTimeMS          uint   `yaml:"debounce_time_ms"`
	DistinctValues          bool   `yaml:"distinct_values"`
	SilentErrors            bool   `yaml:"silent_errors"`
	SanitizeInput           bool   `yaml:"sanitize_input"`
	SanitizeStrict          bool   `yaml:"sanitize_input_strict"`
	MaxDepth                uint   `yaml:"max_depth"`
	DefaultTimeoutMS        int64  `yaml:"default_timeout_ms"`
	StabilizationTimeoutMS  int64  `yaml:"stabilization_timeout_ms"`

	Cache struct {
		Enabled        bool `yaml:"enabled"`
		CollectMetrics bool `yaml:"collect_metrics"`
	} `yaml:"cache"`

	Parallel struct {
		MaxWorkers         int    `yaml:"max_workers"`
		WorkerPath         string `yaml:"worker_path"`
		WorkerTimeoutMS    int64  `yaml:"worker_timeout_ms"`
		DisableAutoCleanup bool   `yaml:"disable_auto_cleanup"`
	} `yaml:"parallel"`
}

// LoadEngineOptionsFile reads YAML-formatted engine tuning from path and
// returns the EngineOptions/ExecutionContextOptions pair for WithOptions,
// for hosts that prefer a config file over building these structs in code.
func LoadEngineOptionsFile(path string) (EngineOptions, ExecutionContextOptions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return EngineOptions{}, ExecutionContextOptions{}, fmt.Errorf("reactor: read engine options file: %w", err)
	}

	var y engineOptionsYAML
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return EngineOptions{}, ExecutionContextOptions{}, fmt.Errorf("reactor: parse engine options file: %w", err)
	}

	opts := DefaultEngineOptions()
	if y.ExecutionMode == "PARALLEL" {
		opts.ExecutionMode = ExecutionParallel
	}
	if y.DataNodesExecutionMode == "ASYNC_EXEC_MODE" {
		opts.DataNodesExecutionMode = AsyncExecMode
	}
	opts.EnableCancelableCompute = y.EnableCancelableCompute
	opts.ThrottleTimeMS = y.ThrottleTimeMS
	opts.DebounceTimeMS = y.DebounceTimeMS
	opts.DistinctValues = y.DistinctValues
	opts.SilentErrors = y.SilentErrors
	opts.SanitizeInput = y.SanitizeInput
	opts.SanitizeStrict = y.SanitizeStrict
	opts.MaxDepth = y.MaxDepth
	if y.DefaultTimeoutMS > 0 {
		opts.DefaultTimeout = time.Duration(y.DefaultTimeoutMS) * time.Millisecond
	}
	if y.StabilizationTimeoutMS > 0 {
		opts.StabilizationTimeout = time.Duration(y.StabilizationTimeoutMS) * time.Millisecond
	}
	opts.CacheOptions.Enabled = y.Cache.Enabled
	opts.CacheOptions.CollectMetrics = y.Cache.CollectMetrics

	execCtx := ExecutionContextOptions{
		Parallel: ParallelOptions{
			MaxWorkers:         y.Parallel.MaxWorkers,
			WorkerPath:         y.Parallel.WorkerPath,
			WorkerTimeoutMS:    uint(y.Parallel.WorkerTimeoutMS),
			DisableAutoCleanup: y.Parallel.DisableAutoCleanup,
		},
	}
	return opts, execCtx, nil
}
