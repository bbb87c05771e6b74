package uploadcache

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/internal/arena"
	"github.com/vkngwrapper/tilestream/internal/utils"
	"github.com/vkngwrapper/tilestream/tilealloc"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific cache behaviors to activate or deactivate
type CreateFlags int32

var cacheCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	cacheCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return cacheCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this cache and its tile allocator will not be
	// synchronized internally. The consumer must guarantee that every method, including
	// IsInMemoryBudget and BuildStatsString, is called from one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

// CreateOptions contains optional settings when creating a cache
type CreateOptions struct {
	// Flags indicates specific cache behaviors to activate or deactivate
	Flags CreateFlags
}

// New creates a tile upload cache that flushes into textures owned by dev. The flush strategy is
// resolved once, here, from the device's capabilities and config.Strategy.
func New(logger *slog.Logger, dev device.Device, config Config, options CreateOptions) (*Cache, error) {
	if dev == nil {
		return nil, errors.New("upload cache requires a device")
	}

	err := config.Validate()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	capabilities := dev.Capabilities()
	strategyName, err := resolveStrategy(config.Strategy, capabilities)
	if err != nil {
		return nil, err
	}

	externallySynchronized := options.Flags&CreateExternallySynchronized != 0

	allocator, err := tilealloc.New(logger, dev, tilealloc.Options{
		ExternallySynchronized: externallySynchronized,
		StagingBufferSize:      config.StagingBufferSize,
		EmptyBufferGraceCycles: config.EmptyBufferGraceCycles,
	})
	if err != nil {
		return nil, err
	}

	cache := &Cache{
		logger:       logger,
		device:       dev,
		config:       config,
		capabilities: capabilities,
		allocator:    allocator,

		mutex: utils.OptionalMutex{
			UseMutex: !externallySynchronized,
			Mutex:    sync.Mutex{},
		},
		poolLookup:    swiss.NewMap[poolKey, int](16),
		pendingUpload: arena.New[pendingUpload](64),
	}

	switch strategyName {
	case StrategyDirect:
		cache.strategy = &directStrategy{cache: cache}
	case StrategyStagingCopy:
		cache.strategy = &stagingCopyStrategy{cache: cache}
	case StrategyStagingAtlas:
		cache.strategy = &stagingAtlasStrategy{cache: cache}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "created tile upload cache",
		slog.String("strategy", string(strategyName)),
		slog.String("capabilities", capabilities.String()),
		slog.Int("releaseDelayCycles", config.ReleaseDelayCycles),
		slog.String("flags", options.Flags.String()),
	)

	return cache, nil
}

// resolveStrategy picks the flush strategy for a device. Direct updates need both persistently
// mapped buffers and region updates from buffers; staging copies need only the latter.
func resolveStrategy(requested Strategy, capabilities device.Capabilities) (Strategy, error) {
	canDirect := capabilities.PersistentlyMappedBuffers && capabilities.DirectBufferUpdates
	canStagingCopy := capabilities.DirectBufferUpdates

	switch requested {
	case StrategyAuto, "":
		if canDirect {
			return StrategyDirect, nil
		}
		if canStagingCopy {
			return StrategyStagingCopy, nil
		}
		return StrategyStagingAtlas, nil
	case StrategyDirect:
		if !canDirect {
			return "", errors.Newf("strategy %q requires persistently mapped buffers and direct buffer updates, but the device has %s", string(requested), capabilities)
		}
	case StrategyStagingCopy:
		if !canStagingCopy {
			return "", errors.Newf("strategy %q requires direct buffer updates, but the device has %s", string(requested), capabilities)
		}
	case StrategyStagingAtlas:
	default:
		return "", errors.Newf("unknown strategy %q", string(requested))
	}

	return requested, nil
}
