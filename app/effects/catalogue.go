// Package effects 描述支持的音效及其参数范围，并提供按曲风生成音效预设的能力。
package effects

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"voice-fusion/app/model"
)

var (
	ErrUnknownEffect   = errors.New("不支持的音效")
	ErrUnknownParam    = errors.New("不支持的音效参数")
	ErrInvalidParam    = errors.New("音效参数无效")
	ErrDuplicateEffect = errors.New("音效重复")
	ErrTooManyEffects  = errors.New("音效数量超出限制")
)

// MaxEffects 单个任务最多允许的音效数量
const MaxEffects = 16

// ParamKind 参数类型
type ParamKind string

const (
	KindNumber ParamKind = "number"
	KindBool   ParamKind = "bool"
	KindEnum   ParamKind = "enum"
)

// ParamSpec 单个参数的取值约束，Default 同时是“无效果”时的中性值
type ParamSpec struct {
	Name    string    `json:"name"`
	Kind    ParamKind `json:"kind"`
	Min     float64   `json:"min,omitempty"`
	Max     float64   `json:"max,omitempty"`
	Options []string  `json:"options,omitempty"`
	Default any       `json:"default"`
}

// EffectSpec 音效描述
type EffectSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params"`
}

func number(name string, min, max, def float64) ParamSpec {
	return ParamSpec{Name: name, Kind: KindNumber, Min: min, Max: max, Default: def}
}

func boolean(name string, def bool) ParamSpec {
	return ParamSpec{Name: name, Kind: KindBool, Default: def}
}

func enum(name string, def string, options ...string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindEnum, Options: options, Default: def}
}

var musicalKeys = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

var catalogue = map[string]EffectSpec{
	"reverb": {
		Name:        "reverb",
		Description: "混响",
		Params: []ParamSpec{
			number("room_size", 0, 1, 0),
			number("wet", 0, 1, 0),
			number("damping", 0, 1, 0.5),
		},
	},
	"echo": {
		Name:        "echo",
		Description: "回声",
		Params: []ParamSpec{
			number("delay_ms", 0, 2000, 0),
			number("feedback", 0, 0.95, 0),
			number("mix", 0, 1, 0),
		},
	},
	"pitch_shift": {
		Name:        "pitch_shift",
		Description: "变调",
		Params: []ParamSpec{
			number("semitones", -12, 12, 0),
			boolean("preserve_formants", true),
		},
	},
	"chorus": {
		Name:        "chorus",
		Description: "合唱",
		Params: []ParamSpec{
			number("rate_hz", 0.1, 5, 1),
			number("depth", 0, 1, 0),
			number("mix", 0, 1, 0),
		},
	},
	"distortion": {
		Name:        "distortion",
		Description: "失真",
		Params: []ParamSpec{
			number("drive", 0, 1, 0),
			number("tone", 0, 1, 0.5),
		},
	},
	"compressor": {
		Name:        "compressor",
		Description: "压缩",
		Params: []ParamSpec{
			number("threshold_db", -60, 0, 0),
			number("ratio", 1, 20, 1),
			number("makeup_db", 0, 24, 0),
		},
	},
	"equalizer": {
		Name:        "equalizer",
		Description: "三段均衡",
		Params: []ParamSpec{
			number("low_db", -12, 12, 0),
			number("mid_db", -12, 12, 0),
			number("high_db", -12, 12, 0),
		},
	},
	"autotune": {
		Name:        "autotune",
		Description: "音准修正",
		Params: []ParamSpec{
			number("strength", 0, 1, 0),
			enum("key", "C", musicalKeys...),
			enum("scale", "chromatic", "major", "minor", "chromatic"),
		},
	},
	"noise_gate": {
		Name:        "noise_gate",
		Description: "噪声门",
		Params: []ParamSpec{
			number("threshold_db", -80, 0, -80),
			number("release_ms", 10, 1000, 100),
		},
	},
}

// Catalogue 按名称排序返回全部支持的音效
func Catalogue() []EffectSpec {
	specs := make([]EffectSpec, 0, len(catalogue))
	for _, spec := range catalogue {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Supported 音效名称是否受支持
func Supported(name string) bool {
	_, ok := catalogue[name]
	return ok
}

func (s EffectSpec) param(name string) (ParamSpec, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Normalize 校验提交的音效列表，丢弃未启用的条目并补齐缺省参数。
// 返回的是全新的切片和 map，调用方之后对入参的修改不会影响结果。
func Normalize(list []model.AudioEffect) ([]model.AudioEffect, error) {
	if len(list) > MaxEffects {
		return nil, fmt.Errorf("%w: 最多 %d 个", ErrTooManyEffects, MaxEffects)
	}

	seen := make(map[string]bool, len(list))
	out := make([]model.AudioEffect, 0, len(list))
	for i, effect := range list {
		spec, ok := catalogue[effect.Name]
		if !ok {
			return nil, fmt.Errorf("%w: effects[%d] %q", ErrUnknownEffect, i, effect.Name)
		}
		if seen[effect.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateEffect, effect.Name)
		}
		seen[effect.Name] = true

		params, err := normalizeParams(spec, effect.Params)
		if err != nil {
			return nil, fmt.Errorf("effects[%d] %s: %w", i, effect.Name, err)
		}
		if !effect.Enabled {
			continue
		}
		out = append(out, model.AudioEffect{Name: effect.Name, Enabled: true, Params: params})
	}
	return out, nil
}

func normalizeParams(spec EffectSpec, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(spec.Params))
	for key := range params {
		if _, ok := spec.param(key); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownParam, key)
		}
	}

	for _, p := range spec.Params {
		raw, ok := params[p.Name]
		if !ok {
			out[p.Name] = p.Default
			continue
		}
		value, err := p.coerce(raw)
		if err != nil {
			return nil, err
		}
		out[p.Name] = value
	}
	return out, nil
}

// coerce 检查单个参数值的类型和范围
func (p ParamSpec) coerce(raw any) (any, error) {
	switch p.Kind {
	case KindNumber:
		v, ok := toFloat(raw)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s 需要数值", ErrInvalidParam, p.Name)
		}
		if v < p.Min || v > p.Max {
			return nil, fmt.Errorf("%w: %s 超出范围 [%g, %g]", ErrInvalidParam, p.Name, p.Min, p.Max)
		}
		return v, nil
	case KindBool:
		v, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s 需要布尔值", ErrInvalidParam, p.Name)
		}
		return v, nil
	case KindEnum:
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s 需要字符串", ErrInvalidParam, p.Name)
		}
		for _, option := range p.Options {
			if option == v {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%w: %s 不支持取值 %q", ErrInvalidParam, p.Name, v)
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidParam, p.Name)
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}
