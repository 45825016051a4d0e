package core

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// DefaultDatabase is the logical database used when neither the options nor
// the connection URI name one.
const DefaultDatabase = "main"

// Options configure a Client. They can be set directly, through Option
// functions or decoded from a map with NewOptions.
type Options struct {
	// Logical database returned by Client.DB() with no name
	Database string `mapstructure:"database" json:"database" yaml:"database" validate:"omitempty,max=120"`

	// Rows fetched per round trip by relational cursors
	BatchSize int `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size" validate:"gte=0,lte=100000"`

	// Connection pool size for postgres. Sqlite always uses one connection.
	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`

	// Time allowed for the initial connect and ping
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout" yaml:"connect_timeout" validate:"gte=0"`

	// Attempts for transactions failing with serialization or lock errors
	RetryAttempts uint `mapstructure:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts" validate:"lte=20"`

	// Base delay between retries
	RetryDelay time.Duration `mapstructure:"retry_delay" json:"retry_delay" yaml:"retry_delay" validate:"gte=0"`

	// Collections whose metadata is kept in memory
	CacheSize int `mapstructure:"cache_size" json:"cache_size" yaml:"cache_size" validate:"gte=0"`

	Logger *zap.Logger `mapstructure:"-" json:"-" yaml:"-" validate:"-"`
	Tracer Tracer      `mapstructure:"-" json:"-" yaml:"-" validate:"-"`
}

type Option func(*Options) error

func OptionSetDatabase(name string) Option {
	return func(o *Options) error {
		o.Database = name
		return nil
	}
}

func OptionSetLogger(log *zap.Logger) Option {
	return func(o *Options) error {
		o.Logger = log
		return nil
	}
}

func OptionSetTracer(t Tracer) Option {
	return func(o *Options) error {
		o.Tracer = t
		return nil
	}
}

func OptionSetBatchSize(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return inputErrorf("batch size must be a non-negative integer")
		}
		o.BatchSize = n
		return nil
	}
}

var validate = validator.New()

// NewOptions decodes a configuration map, such as one read by viper, into
// Options and validates it.
func NewOptions(conf map[string]any) (Options, error) {
	var o Options

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &o,
	})
	if err != nil {
		return o, err
	}
	if err := dec.Decode(conf); err != nil {
		return o, inputErrorf("options: %w", err)
	}
	return o, o.Validate()
}

func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return inputErrorf("options: %w", err)
	}
	return nil
}

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 5
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 20 * time.Millisecond
	}
	if o.CacheSize == 0 {
		o.CacheSize = 1000
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = newOtelTracer()
	}
	return o
}

func (o Options) String() string {
	return fmt.Sprintf("database=%s batch_size=%d max_open_conns=%d retry_attempts=%d",
		o.Database, o.BatchSize, o.MaxOpenConns, o.RetryAttempts)
}
