package effects

import (
	"math"
	"sort"
	"strings"

	"voice-fusion/app/model"

	"golang.org/x/text/cases"
)

// DefaultGenre 未识别曲风时使用的预设名
const DefaultGenre = "default"

// target 预设中的单个音效，数值参数为 intensity=100 时的目标值
type target struct {
	name   string
	params map[string]any
}

var presets = map[string][]target{
	"pop": {
		{"reverb", map[string]any{"room_size": 0.45, "wet": 0.3, "damping": 0.5}},
		{"compressor", map[string]any{"threshold_db": -18.0, "ratio": 3.0, "makeup_db": 4.0}},
		{"equalizer", map[string]any{"low_db": 1.0, "mid_db": 0.0, "high_db": 3.0}},
		{"autotune", map[string]any{"strength": 0.5, "key": "C", "scale": "major"}},
	},
	"rock": {
		{"distortion", map[string]any{"drive": 0.35, "tone": 0.6}},
		{"compressor", map[string]any{"threshold_db": -20.0, "ratio": 4.0, "makeup_db": 5.0}},
		{"equalizer", map[string]any{"low_db": 3.0, "mid_db": 2.0, "high_db": 2.0}},
		{"reverb", map[string]any{"room_size": 0.3, "wet": 0.2, "damping": 0.5}},
	},
	"hiphop": {
		{"compressor", map[string]any{"threshold_db": -22.0, "ratio": 5.0, "makeup_db": 6.0}},
		{"equalizer", map[string]any{"low_db": 4.0, "mid_db": -1.0, "high_db": 2.0}},
		{"echo", map[string]any{"delay_ms": 180.0, "feedback": 0.2, "mix": 0.15}},
		{"autotune", map[string]any{"strength": 0.3, "key": "C", "scale": "minor"}},
	},
	"jazz": {
		{"reverb", map[string]any{"room_size": 0.6, "wet": 0.35, "damping": 0.6}},
		{"chorus", map[string]any{"rate_hz": 0.8, "depth": 0.25, "mix": 0.2}},
		{"equalizer", map[string]any{"low_db": 1.0, "mid_db": 1.0, "high_db": -1.0}},
		{"compressor", map[string]any{"threshold_db": -14.0, "ratio": 2.0, "makeup_db": 2.0}},
	},
	"electronic": {
		{"autotune", map[string]any{"strength": 0.9, "key": "C", "scale": "chromatic"}},
		{"chorus", map[string]any{"rate_hz": 2.0, "depth": 0.5, "mix": 0.35}},
		{"echo", map[string]any{"delay_ms": 375.0, "feedback": 0.45, "mix": 0.3}},
		{"distortion", map[string]any{"drive": 0.15, "tone": 0.7}},
		{"reverb", map[string]any{"room_size": 0.5, "wet": 0.3, "damping": 0.4}},
	},
	"classical": {
		{"reverb", map[string]any{"room_size": 0.85, "wet": 0.45, "damping": 0.65}},
		{"equalizer", map[string]any{"low_db": 0.0, "mid_db": 0.0, "high_db": 1.0}},
		{"compressor", map[string]any{"threshold_db": -12.0, "ratio": 1.5, "makeup_db": 1.0}},
	},
	"rnb": {
		{"reverb", map[string]any{"room_size": 0.5, "wet": 0.3, "damping": 0.55}},
		{"chorus", map[string]any{"rate_hz": 0.6, "depth": 0.2, "mix": 0.15}},
		{"autotune", map[string]any{"strength": 0.4, "key": "C", "scale": "minor"}},
		{"compressor", map[string]any{"threshold_db": -18.0, "ratio": 3.0, "makeup_db": 3.0}},
	},
	"lofi": {
		{"equalizer", map[string]any{"low_db": 2.0, "mid_db": -2.0, "high_db": -8.0}},
		{"distortion", map[string]any{"drive": 0.2, "tone": 0.3}},
		{"echo", map[string]any{"delay_ms": 300.0, "feedback": 0.3, "mix": 0.2}},
		{"reverb", map[string]any{"room_size": 0.4, "wet": 0.25, "damping": 0.8}},
	},
	DefaultGenre: {
		{"reverb", map[string]any{"room_size": 0.3, "wet": 0.2, "damping": 0.5}},
		{"compressor", map[string]any{"threshold_db": -16.0, "ratio": 2.0, "makeup_db": 2.0}},
	},
}

var genreAliases = map[string]string{
	"rap":       "hiphop",
	"trap":      "hiphop",
	"edm":       "electronic",
	"dance":     "electronic",
	"techno":    "electronic",
	"house":     "electronic",
	"rb":        "rnb",
	"soul":      "rnb",
	"orchestra": "classical",
	"opera":     "classical",
	"chill":     "lofi",
	"metal":     "rock",
	"punk":      "rock",
}

// Genres 返回所有已知曲风（不含 default）
func Genres() []string {
	genres := make([]string, 0, len(presets))
	for name := range presets {
		if name != DefaultGenre {
			genres = append(genres, name)
		}
	}
	sort.Strings(genres)
	return genres
}

// CanonicalGenre 归一化曲风名称，未识别的返回 DefaultGenre
func CanonicalGenre(genre string) string {
	folded := cases.Fold().String(strings.TrimSpace(genre))
	key := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '&', '/', '.', '\'':
			return -1
		}
		return r
	}, folded)

	if alias, ok := genreAliases[key]; ok {
		key = alias
	}
	if _, ok := presets[key]; ok && key != "" {
		return key
	}
	return DefaultGenre
}

// Resolve 将曲风和强度(0-100)映射为具体的音效列表。
// 数值参数在中性值和目标值之间按 intensity/100 线性插值，布尔和枚举参数直接取预设值。
// 相同输入总是得到相同输出。
func Resolve(genre string, intensity int) []model.AudioEffect {
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 100 {
		intensity = 100
	}
	k := float64(intensity) / 100

	targets := presets[CanonicalGenre(genre)]
	out := make([]model.AudioEffect, 0, len(targets))
	for _, t := range targets {
		spec := catalogue[t.name]
		params := make(map[string]any, len(spec.Params))
		for _, p := range spec.Params {
			value, ok := t.params[p.Name]
			if !ok {
				params[p.Name] = p.Default
				continue
			}
			if p.Kind == KindNumber {
				neutral := p.Default.(float64)
				scaled := neutral + (value.(float64)-neutral)*k
				params[p.Name] = clamp(round3(scaled), p.Min, p.Max)
				continue
			}
			params[p.Name] = value
		}
		out = append(out, model.AudioEffect{Name: t.name, Enabled: true, Params: params})
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
