// memfetch/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	SourceFile         string        `mapstructure:"SOURCE_FILE" validate:"required"`
	OutputDir          string        `mapstructure:"OUTPUT_DIR" validate:"required"`
	Mode               string        `mapstructure:"MODE" validate:"oneof=all resume retry-failed"`
	Media              string        `mapstructure:"MEDIA" validate:"omitempty,oneof=image video"`
	Limit              int           `mapstructure:"LIMIT"`
	Jobs               int           `mapstructure:"JOBS" validate:"gte=1,lte=20"`
	AutoJobs           bool          `mapstructure:"AUTO_JOBS"`
	MonitorInterval    time.Duration `mapstructure:"MONITOR_INTERVAL" validate:"gt=0"`
	FetchTimeout       time.Duration `mapstructure:"FETCH_TIMEOUT" validate:"gt=0"`
	FetchRetries       int           `mapstructure:"FETCH_RETRIES" validate:"gte=0,lte=10"`
	MaxDownloadSize    int64         `mapstructure:"MAX_DOWNLOAD_SIZE" validate:"gt=0"`
	MergeOverlays      bool          `mapstructure:"MERGE_OVERLAYS"`
	DeferVideoOverlays bool          `mapstructure:"DEFER_VIDEO_OVERLAYS"`
	OverlaysOnly       bool          `mapstructure:"OVERLAYS_ONLY"`
	TimestampFilenames bool          `mapstructure:"TIMESTAMP_FILENAMES"`
	RemoveDuplicates   bool          `mapstructure:"REMOVE_DUPLICATES"`
	Reprocess          bool          `mapstructure:"REPROCESS"`
	EmbedMetadata      bool          `mapstructure:"EMBED_METADATA"`
	JoinMultiSnaps     bool          `mapstructure:"JOIN_MULTI_SNAPS"`
	MergeExisting      string        `mapstructure:"MERGE_EXISTING"`
	FFBin              string        `mapstructure:"FF_BIN"`
	FFTimeout          time.Duration `mapstructure:"FF_TIMEOUT"`
	FFEncoder          string        `mapstructure:"FF_ENCODER"`
	FFExtraArgs        string        `mapstructure:"FF_EXTRA_ARGS"`
	ThrottleCPU        float64       `mapstructure:"THROTTLE_CPU" validate:"gte=0,lte=100"`
	ThrottleFreeMem    int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk   int64         `mapstructure:"THROTTLE_FREEDISK"`
	LogLevel           string        `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	StatusEnable       bool          `mapstructure:"STATUS_ENABLE"`
	Port               string        `mapstructure:"PORT"`
	AuthEnable         bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey            string        `mapstructure:"AUTH_KEY" validate:"required_if=AuthEnable true"`
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"source":           "SOURCE_FILE",
	"output":           "OUTPUT_DIR",
	"mode":             "MODE",
	"media":            "MEDIA",
	"limit":            "LIMIT",
	"jobs":             "JOBS",
	"auto-jobs":        "AUTO_JOBS",
	"merge":            "MERGE_OVERLAYS",
	"defer-video":      "DEFER_VIDEO_OVERLAYS",
	"overlays-only":    "OVERLAYS_ONLY",
	"timestamps":       "TIMESTAMP_FILENAMES",
	"dedupe":           "REMOVE_DUPLICATES",
	"reprocess":        "REPROCESS",
	"exif":             "EMBED_METADATA",
	"join-multi-snaps": "JOIN_MULTI_SNAPS",
	"merge-existing":   "MERGE_EXISTING",
	"status":           "STATUS_ENABLE",
	"log-level":        "LOG_LEVEL",
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// Flags declares the command-line flags understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("source", "", "JSON file with exported media records")
	fs.String("output", "", "output directory")
	fs.String("mode", "", "run mode: all, resume or retry-failed")
	fs.String("media", "", "only process one media kind: image or video")
	fs.Int("limit", -1, "only consider the first N records")
	fs.Int("jobs", 0, "concurrent workers (1-20)")
	fs.Bool("auto-jobs", false, "size the worker pool from CPU headroom")
	fs.Bool("merge", false, "merge overlays into the main media")
	fs.Bool("defer-video", false, "postpone video overlay merges until all downloads finish")
	fs.Bool("overlays-only", false, "only keep items that carry an overlay")
	fs.Bool("timestamps", false, "name files after their capture time")
	fs.Bool("dedupe", false, "skip content that already exists in the output directory")
	fs.Bool("reprocess", false, "process items again even when already downloaded")
	fs.Bool("exif", true, "write capture time and location into JPEG EXIF")
	fs.Bool("join-multi-snaps", false, "join videos captured within 10 seconds of each other")
	fs.String("merge-existing", "", "merge existing -main/-overlay pairs in this folder and exit")
	fs.Bool("status", false, "serve the status API while running")
	fs.String("log-level", "", "debug, info, warn or error")
	return fs
}

// Load reads defaults, the optional config file, environment variables and
// any flags that were explicitly set, in increasing order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	vp := viper.New()

	vp.SetDefault("SOURCE_FILE", "memories.json")
	vp.SetDefault("OUTPUT_DIR", "memories")
	vp.SetDefault("MODE", "all")
	vp.SetDefault("MEDIA", "")
	vp.SetDefault("LIMIT", -1)
	vp.SetDefault("JOBS", 5)
	vp.SetDefault("AUTO_JOBS", false)
	vp.SetDefault("MONITOR_INTERVAL", "300ms")
	vp.SetDefault("FETCH_TIMEOUT", "30s")
	vp.SetDefault("FETCH_RETRIES", 2)
	vp.SetDefault("MAX_DOWNLOAD_SIZE", "2GB")
	vp.SetDefault("MERGE_OVERLAYS", false)
	vp.SetDefault("DEFER_VIDEO_OVERLAYS", false)
	vp.SetDefault("OVERLAYS_ONLY", false)
	vp.SetDefault("TIMESTAMP_FILENAMES", false)
	vp.SetDefault("REMOVE_DUPLICATES", false)
	vp.SetDefault("REPROCESS", false)
	vp.SetDefault("EMBED_METADATA", true)
	vp.SetDefault("JOIN_MULTI_SNAPS", false)
	vp.SetDefault("MERGE_EXISTING", "")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_TIMEOUT", "10m")
	vp.SetDefault("FF_ENCODER", "libx264")
	vp.SetDefault("FF_EXTRA_ARGS", "")
	vp.SetDefault("THROTTLE_CPU", 20.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("STATUS_ENABLE", false)
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")

	vp.SetConfigName("memfetch_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/memfetch/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("MEMFETCH")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if fs != nil {
		// Only flags the user actually passed override lower layers.
		var bindErr error
		fs.Visit(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || bindErr != nil {
				return
			}
			bindErr = vp.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the decoded configuration against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
