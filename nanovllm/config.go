package nanovllm

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the configuration for the LLM engine
type Config struct {
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
	EOS                 int

	KVCacheBlockSize int
	// NumKVCacheBlocks is the GPU pool size. When -1 it is derived from
	// GPUMemoryUtilization * DeviceMemoryBytes / KVCacheBlockBytes.
	NumKVCacheBlocks     int
	GPUMemoryUtilization float64
	DeviceMemoryBytes    int64
	KVCacheBlockBytes    int64
	NumCPUBlocks         int

	// NumSchedulerSteps is the number of forward passes per host sync. 1 disables multi-step.
	NumSchedulerSteps   int
	PreemptionMode      PreemptionMode
	Watermark           float64
	EnablePrefixCaching bool

	Registerer prometheus.Registerer
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		MaxNumBatchedTokens:  16384,
		MaxNumSeqs:           256,
		MaxModelLen:          4096,
		EOS:                  -1,
		KVCacheBlockSize:     16,
		NumKVCacheBlocks:     -1,
		GPUMemoryUtilization: 0.9,
		NumCPUBlocks:         0,
		NumSchedulerSteps:    1,
		PreemptionMode:       PreemptRecompute,
		Watermark:            0.01,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// NumGPUBlocks returns the number of device blocks the pool is sized to.
func (c *Config) NumGPUBlocks() int {
	if c.NumKVCacheBlocks > 0 {
		return c.NumKVCacheBlocks
	}
	budget := c.GPUMemoryUtilization * float64(c.DeviceMemoryBytes)
	return int(budget / float64(c.KVCacheBlockBytes))
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.KVCacheBlockSize <= 0 {
		return fmt.Errorf("kvcache_block_size must be positive, got %d", c.KVCacheBlockSize)
	}

	if c.NumKVCacheBlocks <= 0 {
		if c.DeviceMemoryBytes <= 0 || c.KVCacheBlockBytes <= 0 {
			return fmt.Errorf("num_kvcache_blocks or device_memory_bytes and kvcache_block_bytes must be set")
		}
		if c.GPUMemoryUtilization <= 0 || c.GPUMemoryUtilization > 1 {
			return fmt.Errorf("gpu_memory_utilization must be in (0, 1], got %v", c.GPUMemoryUtilization)
		}
		if c.NumGPUBlocks() == 0 {
			return fmt.Errorf("memory budget too small for a single kv cache block")
		}
	}

	if c.NumCPUBlocks < 0 {
		return fmt.Errorf("num_cpu_blocks must be >= 0, got %d", c.NumCPUBlocks)
	}

	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be >= 1")
	}

	if c.MaxModelLen < 1 {
		return fmt.Errorf("max_model_len must be >= 1")
	}

	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return fmt.Errorf("max_num_batched_tokens must be >= max_model_len")
	}

	if c.NumSchedulerSteps < 1 {
		return fmt.Errorf("num_scheduler_steps must be >= 1, got %d", c.NumSchedulerSteps)
	}

	if _, ok := preemptionHandlers[c.PreemptionMode]; !ok {
		return fmt.Errorf("unknown preemption mode %q", c.PreemptionMode)
	}

	if c.Watermark < 0 || c.Watermark >= 1 {
		return fmt.Errorf("watermark must be in [0, 1), got %v", c.Watermark)
	}

	return nil
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithGPUMemoryUtilization sets the fraction of device memory given to the kv cache
func WithGPUMemoryUtilization(f float64) ConfigOption {
	return func(c *Config) {
		c.GPUMemoryUtilization = f
	}
}

// WithDeviceMemory sizes the GPU pool from total device memory and the bytes one block occupies.
func WithDeviceMemory(totalBytes, blockBytes int64) ConfigOption {
	return func(c *Config) {
		c.DeviceMemoryBytes = totalBytes
		c.KVCacheBlockBytes = blockBytes
		c.NumKVCacheBlocks = -1
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVCacheBlockSize = n
	}
}

// WithNumKVCacheBlocks sets the number of KV cache blocks
func WithNumKVCacheBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVCacheBlocks = n
	}
}

// WithNumCPUBlocks sets the size of the host swap pool
func WithNumCPUBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumCPUBlocks = n
	}
}

// WithNumSchedulerSteps sets how many forward passes run per host sync
func WithNumSchedulerSteps(n int) ConfigOption {
	return func(c *Config) {
		c.NumSchedulerSteps = n
	}
}

// WithPreemptionMode selects recompute or swap preemption
func WithPreemptionMode(m PreemptionMode) ConfigOption {
	return func(c *Config) {
		c.PreemptionMode = m
	}
}

// WithWatermark sets the fraction of GPU blocks held back from admission
func WithWatermark(f float64) ConfigOption {
	return func(c *Config) {
		c.Watermark = f
	}
}

// WithPrefixCaching enables hash based sharing of full prompt blocks
func WithPrefixCaching(b bool) ConfigOption {
	return func(c *Config) {
		c.EnablePrefixCaching = b
	}
}

// WithRegisterer sets where engine metrics are registered
func WithRegisterer(r prometheus.Registerer) ConfigOption {
	return func(c *Config) {
		c.Registerer = r
	}
}
