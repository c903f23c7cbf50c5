package settings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/gpt-relay-bot-go/internal/models"
	"github.com/gpt-relay-bot-go/internal/services/storage"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownKey   = errors.New("unknown setting")
	ErrInvalidValue = errors.New("invalid setting value")
)

// Compiled defaults, the last tier of resolution.
const (
	DefaultMaxTokens    = 400
	DefaultMaxPrompts   = 600
	DefaultGroupMode    = models.GroupParty
	DefaultAtMode       = models.AtMessage
	DefaultChatMode     = models.ModePopFront
	DefaultModel        = "gpt-3.5-turbo"
	DefaultImageSize    = 256
	DefaultMaxImages    = 3
	DefaultPrefix       = "You are ChatGPT, a large language model trained by OpenAI. Answer as concisely as possible."
	DefaultTemperature  = 0.7
	DefaultTopP         = 1.0
	DefaultFrequencyPen = 0.0
	DefaultPresencePen  = 0.0
)

// Values is a snapshot of the effective global settings
type Values struct {
	MaxTokens     int
	MaxPrompts    int
	GroupMode     models.GroupMode
	AtMode        models.AtMode
	AutoPrivate   bool
	AutoGroup     bool
	DefaultMode   models.ChatMode
	DefaultModel  string
	DefaultPrefix string
	DefaultParams models.Params
	ImageSize     int
	MaxImages     int
	ShowTip       bool
}

// Settings holds the process-wide settings. Values resolve persisted
// override first, then the environment layer, then the compiled default.
type Settings struct {
	mu     sync.RWMutex
	doc    *storage.Document
	dir    string
	values Values
	lists  map[ListKind][]string
	logger *logrus.Logger
}

// New loads settings from the global document, the env layer and the
// blacklist files under dir.
func New(doc *storage.Document, env config.SettingsConfig, dir string, logger *logrus.Logger) (*Settings, error) {
	s := &Settings{
		doc:    doc,
		dir:    dir,
		lists:  make(map[ListKind][]string),
		logger: logger,
	}

	var err error
	if s.values, err = resolve(doc, env, logger); err != nil {
		return nil, err
	}

	for _, kind := range []ListKind{ListQQ, ListGroup} {
		lines, err := storage.ReadLines(s.listPath(kind))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s blacklist: %w", kind, err)
		}
		s.lists[kind] = lines
	}

	logger.WithFields(logrus.Fields{
		"group_mode":   s.values.GroupMode,
		"at_mode":      s.values.AtMode,
		"default_mode": s.values.DefaultMode,
		"max_prompts":  s.values.MaxPrompts,
		"image_size":   s.values.ImageSize,
	}).Info("Settings loaded")

	return s, nil
}

func persisted[T any](doc *storage.Document, key Key) models.Optional[T] {
	var v T
	found, err := doc.Get(string(key), &v)
	if err != nil || !found {
		return models.None[T]()
	}
	return models.Some(v)
}

func resolve(doc *storage.Document, env config.SettingsConfig, logger *logrus.Logger) (Values, error) {
	v := Values{
		MaxTokens:     models.Resolve(DefaultMaxTokens, persisted[int](doc, KeyMaxTokens), models.FromPtr(env.MaxTokens)),
		MaxPrompts:    models.Resolve(DefaultMaxPrompts, persisted[int](doc, KeyMaxPrompts), models.FromPtr(env.MaxPrompts)),
		AutoPrivate:   models.Resolve(false, persisted[bool](doc, KeyAutoPrivate), models.FromPtr(env.AutoPrivate)),
		AutoGroup:     models.Resolve(false, persisted[bool](doc, KeyAutoGroup), models.FromPtr(env.AutoGroup)),
		DefaultModel:  models.Resolve(DefaultModel, persisted[string](doc, KeyDefaultModel), models.FromPtr(env.DefaultModel)),
		DefaultPrefix: models.Resolve(DefaultPrefix, persisted[string](doc, KeyDefaultPrefix)),
		DefaultParams: models.Params{
			Temperature:      models.Resolve(DefaultTemperature, persisted[float64](doc, KeyDefaultTemperature)),
			TopP:             models.Resolve(DefaultTopP, persisted[float64](doc, KeyDefaultTopP)),
			FrequencyPenalty: models.Resolve(DefaultFrequencyPen, persisted[float64](doc, KeyDefaultFrequencyPenalty)),
			PresencePenalty:  models.Resolve(DefaultPresencePen, persisted[float64](doc, KeyDefaultPresencePenalty)),
		},
		ImageSize: models.Resolve(DefaultImageSize, persisted[int](doc, KeyImageSize), models.FromPtr(env.ImageSize)),
		MaxImages: models.Resolve(DefaultMaxImages, persisted[int](doc, KeyMaxImages), models.FromPtr(env.MaxImages)),
		ShowTip:   models.Resolve(true, persisted[bool](doc, KeyShowTip), models.FromPtr(env.ShowTip)),
	}

	var ok bool
	groupMode := models.Resolve(string(DefaultGroupMode), persisted[string](doc, KeyGroupMode), models.FromPtr(env.GroupMode))
	if v.GroupMode, ok = models.ParseGroupMode(groupMode); !ok {
		return v, fmt.Errorf("%w: group mode %q", ErrInvalidValue, groupMode)
	}
	atMode := models.Resolve(string(DefaultAtMode), persisted[string](doc, KeyAtMode), models.FromPtr(env.AtMode))
	if v.AtMode, ok = models.ParseAtMode(atMode); !ok {
		return v, fmt.Errorf("%w: at mode %q", ErrInvalidValue, atMode)
	}
	chatMode := models.Resolve(string(DefaultChatMode), persisted[string](doc, KeyDefaultMode), models.FromPtr(env.DefaultMode))
	if v.DefaultMode, ok = models.ParseChatMode(chatMode); !ok {
		return v, fmt.Errorf("%w: chat mode %q", ErrInvalidValue, chatMode)
	}

	if _, ok := models.ImageSizeCosts[v.ImageSize]; !ok {
		logger.WithField("image_size", v.ImageSize).Error("Invalid image size, using default")
		v.ImageSize = DefaultImageSize
	}

	return v, nil
}

// Snapshot returns the current effective values.
func (s *Settings) Snapshot() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// Set validates raw for key, then persists it and updates the in-memory
// value. An invalid value leaves everything untouched.
func (s *Settings) Set(ctx context.Context, key Key, raw string) error {
	setter, ok := setters[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.values
	stored, err := setter(&next, raw)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, raw, err)
	}

	if err := s.doc.Set(ctx, string(key), stored); err != nil {
		return err
	}
	s.values = next

	s.logger.WithFields(logrus.Fields{
		"key":   key,
		"value": raw,
	}).Info("Setting updated")
	return nil
}

// Key names a setting the administrator may change
type Key string

const (
	KeyMaxTokens               Key = "maxTokens"
	KeyMaxPrompts              Key = "maxPrompts"
	KeyGroupMode               Key = "groupMode"
	KeyAtMode                  Key = "atMode"
	KeyAutoPrivate             Key = "autoPrivate"
	KeyAutoGroup               Key = "autoGroup"
	KeyDefaultMode             Key = "defaultMode"
	KeyDefaultModel            Key = "defaultModel"
	KeyDefaultPrefix           Key = "defaultPrefix"
	KeyDefaultTemperature      Key = "defaultTemperature"
	KeyDefaultTopP             Key = "defaultTop_p"
	KeyDefaultFrequencyPenalty Key = "defaultFrequency_penalty"
	KeyDefaultPresencePenalty  Key = "defaultPresence_penalty"
	KeyImageSize               Key = "imageSize"
	KeyMaxImages               Key = "maxImages"
	KeyShowTip                 Key = "showTip"
)

// setter validates raw, applies it to v and returns the value to persist.
type setter func(v *Values, raw string) (any, error)

var setters = map[Key]setter{
	KeyMaxTokens:  positiveInt(func(v *Values, n int) { v.MaxTokens = n }),
	KeyMaxPrompts: positiveInt(func(v *Values, n int) { v.MaxPrompts = n }),
	KeyMaxImages: func(v *Values, raw string) (any, error) {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("expected a non-negative integer")
		}
		v.MaxImages = n
		return n, nil
	},
	KeyGroupMode: func(v *Values, raw string) (any, error) {
		mode, ok := models.ParseGroupMode(raw)
		if !ok {
			return nil, fmt.Errorf("expected one of %v", models.GroupModes)
		}
		v.GroupMode = mode
		return raw, nil
	},
	KeyAtMode: func(v *Values, raw string) (any, error) {
		mode, ok := models.ParseAtMode(raw)
		if !ok {
			return nil, fmt.Errorf("expected one of %v", models.AtModes)
		}
		v.AtMode = mode
		return raw, nil
	},
	KeyDefaultMode: func(v *Values, raw string) (any, error) {
		mode, ok := models.ParseChatMode(raw)
		if !ok {
			return nil, fmt.Errorf("expected one of %v", models.ChatModes)
		}
		v.DefaultMode = mode
		return raw, nil
	},
	KeyImageSize: func(v *Values, raw string) (any, error) {
		n, err := strconv.Atoi(raw)
		if _, ok := models.ImageSizeCosts[n]; err != nil || !ok {
			return nil, fmt.Errorf("expected one of 0, 256, 512, 1024")
		}
		v.ImageSize = n
		return n, nil
	},
	KeyAutoPrivate: boolean(func(v *Values, b bool) { v.AutoPrivate = b }),
	KeyAutoGroup:   boolean(func(v *Values, b bool) { v.AutoGroup = b }),
	KeyShowTip:     boolean(func(v *Values, b bool) { v.ShowTip = b }),
	KeyDefaultModel: func(v *Values, raw string) (any, error) {
		v.DefaultModel = raw
		return raw, nil
	},
	KeyDefaultPrefix: func(v *Values, raw string) (any, error) {
		v.DefaultPrefix = raw
		return raw, nil
	},
	KeyDefaultTemperature:      float(func(v *Values, f float64) { v.DefaultParams.Temperature = f }),
	KeyDefaultTopP:             float(func(v *Values, f float64) { v.DefaultParams.TopP = f }),
	KeyDefaultFrequencyPenalty: float(func(v *Values, f float64) { v.DefaultParams.FrequencyPenalty = f }),
	KeyDefaultPresencePenalty:  float(func(v *Values, f float64) { v.DefaultParams.PresencePenalty = f }),
}

func positiveInt(apply func(*Values, int)) setter {
	return func(v *Values, raw string) (any, error) {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("expected a positive integer")
		}
		apply(v, n)
		return n, nil
	}
}

func boolean(apply func(*Values, bool)) setter {
	return func(v *Values, raw string) (any, error) {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false")
		}
		apply(v, b)
		return b, nil
	}
}

func float(apply func(*Values, float64)) setter {
	return func(v *Values, raw string) (any, error) {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) {
			return nil, fmt.Errorf("expected a number")
		}
		apply(v, f)
		return f, nil
	}
}

// ParseKey maps a user supplied name onto a settable key.
func ParseKey(name string) (Key, bool) {
	key := Key(name)
	_, ok := setters[key]
	return key, ok
}

// Keys lists every settable key in alphabetical order.
func Keys() []Key {
	keys := make([]Key, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s *Settings) listPath(kind ListKind) string {
	return filepath.Join(s.dir, listFiles[kind])
}
