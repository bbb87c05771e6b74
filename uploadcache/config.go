package uploadcache

import (
	"bytes"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/tilestream/memutils"
	"github.com/vkngwrapper/tilestream/tilealloc"
)

// Strategy names the way Finalize moves tile data into destination textures
type Strategy string

const (
	// StrategyAuto picks the best strategy the device supports
	StrategyAuto Strategy = "auto"
	// StrategyDirect updates destination regions straight from persistently mapped staging buffers
	StrategyDirect Strategy = "direct"
	// StrategyStagingCopy hands CPU tile memory to the device's region update entry point
	StrategyStagingCopy Strategy = "staging-copy"
	// StrategyStagingAtlas packs tiles into a transient atlas texture and copies regions out of it
	StrategyStagingAtlas Strategy = "staging-atlas"
)

func (s Strategy) IsValid() bool {
	switch s {
	case StrategyAuto, StrategyDirect, StrategyStagingCopy, StrategyStagingAtlas:
		return true
	}
	return false
}

const (
	defaultReleaseDelayCycles    = 2
	defaultMaxUploadRequests     = 2000
	defaultMaxUploadMemory       = 64 * 1024 * 1024
	defaultAtlasRingSize         = 4
	defaultAtlasWidthGranularity = 4
)

// Config holds the tunables of a Cache. It can be loaded from TOML; keys that are absent keep
// their default values.
type Config struct {
	// ReleaseDelayCycles is the number of cycles a submitted tile's memory is kept alive, so that
	// device operations reading it have completed before it is reused. Must be at least 1.
	ReleaseDelayCycles int `toml:"release_delay_cycles"`
	// StagingBufferSize is the number of bytes each staging buffer targets
	StagingBufferSize int `toml:"staging_buffer_size"`
	// MaxUploadRequests is the number of tiles that may be in flight, prepared or awaiting
	// release, before IsInMemoryBudget reports false
	MaxUploadRequests int `toml:"max_upload_requests"`
	// MaxUploadMemory is the number of bytes of staging memory that may be resident before
	// IsInMemoryBudget reports false
	MaxUploadMemory int `toml:"max_upload_memory"`
	// Strategy forces a particular flush strategy. Forcing one the device cannot run is an error.
	Strategy Strategy `toml:"strategy"`
	// AtlasRingSize is the number of transient atlas textures each pool cycles through
	AtlasRingSize int `toml:"atlas_ring_size"`
	// AtlasWidthGranularity is the multiple that atlas widths, in tiles, are rounded up to
	AtlasWidthGranularity int `toml:"atlas_width_granularity"`
	// EmptyBufferGraceCycles is the number of cycles an empty staging buffer stays resident
	// before its memory is released
	EmptyBufferGraceCycles int `toml:"empty_buffer_grace_cycles"`
}

func DefaultConfig() Config {
	return Config{
		ReleaseDelayCycles:     defaultReleaseDelayCycles,
		StagingBufferSize:      tilealloc.DefaultStagingBufferSize,
		MaxUploadRequests:      defaultMaxUploadRequests,
		MaxUploadMemory:        defaultMaxUploadMemory,
		Strategy:               StrategyAuto,
		AtlasRingSize:          defaultAtlasRingSize,
		AtlasWidthGranularity:  defaultAtlasWidthGranularity,
		EmptyBufferGraceCycles: 0,
	}
}

// ParseConfig decodes a TOML document over the default configuration. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()

	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	err := decoder.Decode(&config)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to decode upload cache config")
	}

	err = config.Validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read upload cache config %s", path)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "in %s", path)
	}
	return config, nil
}

func (c Config) Validate() error {
	if c.ReleaseDelayCycles < 1 {
		return errors.Newf("release_delay_cycles must be at least 1, but was %d", c.ReleaseDelayCycles)
	}
	if c.StagingBufferSize < 1 {
		return errors.Newf("staging_buffer_size must be positive, but was %d", c.StagingBufferSize)
	}
	if c.MaxUploadRequests < 0 {
		return errors.Newf("max_upload_requests must not be negative, but was %d", c.MaxUploadRequests)
	}
	if c.MaxUploadMemory < 0 {
		return errors.Newf("max_upload_memory must not be negative, but was %d", c.MaxUploadMemory)
	}
	if !c.Strategy.IsValid() {
		return errors.Newf("unknown strategy %q", string(c.Strategy))
	}
	if c.AtlasRingSize < 1 {
		return errors.Newf("atlas_ring_size must be at least 1, but was %d", c.AtlasRingSize)
	}
	err := memutils.CheckPow2(c.AtlasWidthGranularity, "atlas_width_granularity")
	if err != nil {
		return err
	}
	if c.EmptyBufferGraceCycles < 0 {
		return errors.Newf("empty_buffer_grace_cycles must not be negative, but was %d", c.EmptyBufferGraceCycles)
	}

	return nil
}
