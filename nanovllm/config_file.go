package nanovllm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config for YAML engine config files.
// Zero values leave the corresponding default untouched.
type FileConfig struct {
	MaxNumBatchedTokens  int      `yaml:"max_num_batched_tokens"`
	MaxNumSeqs           int      `yaml:"max_num_seqs"`
	MaxModelLen          int      `yaml:"max_model_len"`
	EOS                  *int     `yaml:"eos"`
	KVCacheBlockSize     int      `yaml:"kvcache_block_size"`
	NumKVCacheBlocks     int      `yaml:"num_kvcache_blocks"`
	GPUMemoryUtilization float64  `yaml:"gpu_memory_utilization"`
	DeviceMemoryBytes    int64    `yaml:"device_memory_bytes"`
	KVCacheBlockBytes    int64    `yaml:"kvcache_block_bytes"`
	NumCPUBlocks         int      `yaml:"num_cpu_blocks"`
	NumSchedulerSteps    int      `yaml:"num_scheduler_steps"`
	PreemptionMode       string   `yaml:"preemption_mode"`
	Watermark            *float64 `yaml:"watermark"`
	EnablePrefixCaching  bool     `yaml:"enable_prefix_caching"`
}

// LoadConfigFile parses a YAML engine config. Unknown keys are rejected
// so that typos surface as errors.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config bytes with strict field checking.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &fc, nil
}

// Options converts the file settings into config options.
func (fc *FileConfig) Options() []ConfigOption {
	var opts []ConfigOption
	if fc.MaxNumBatchedTokens > 0 {
		opts = append(opts, WithMaxNumBatchedTokens(fc.MaxNumBatchedTokens))
	}
	if fc.MaxNumSeqs > 0 {
		opts = append(opts, WithMaxNumSeqs(fc.MaxNumSeqs))
	}
	if fc.MaxModelLen > 0 {
		opts = append(opts, WithMaxModelLen(fc.MaxModelLen))
	}
	if fc.EOS != nil {
		opts = append(opts, WithEOS(*fc.EOS))
	}
	if fc.KVCacheBlockSize > 0 {
		opts = append(opts, WithKVCacheBlockSize(fc.KVCacheBlockSize))
	}
	if fc.NumKVCacheBlocks > 0 {
		opts = append(opts, WithNumKVCacheBlocks(fc.NumKVCacheBlocks))
	} else if fc.DeviceMemoryBytes > 0 {
		opts = append(opts, WithDeviceMemory(fc.DeviceMemoryBytes, fc.KVCacheBlockBytes))
	}
	if fc.GPUMemoryUtilization > 0 {
		opts = append(opts, WithGPUMemoryUtilization(fc.GPUMemoryUtilization))
	}
	if fc.NumCPUBlocks > 0 {
		opts = append(opts, WithNumCPUBlocks(fc.NumCPUBlocks))
	}
	if fc.NumSchedulerSteps > 0 {
		opts = append(opts, WithNumSchedulerSteps(fc.NumSchedulerSteps))
	}
	if fc.PreemptionMode != "" {
		opts = append(opts, WithPreemptionMode(PreemptionMode(fc.PreemptionMode)))
	}
	if fc.Watermark != nil {
		opts = append(opts, WithWatermark(*fc.Watermark))
	}
	if fc.EnablePrefixCaching {
		opts = append(opts, WithPrefixCaching(true))
	}
	return opts
}
