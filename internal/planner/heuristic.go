// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package planner

import (
	"encoding/json"
	"strings"
	"unicode"

	gojson "github.com/goccy/go-json"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// UseCase refines an image goal.
type UseCase string

const (
	UseCasePhotoCritical UseCase = "photo-critical"
	UseCaseCommercial    UseCase = "commercial"
	UseCaseGeneric       UseCase = "generic"
)

type keywordRule struct {
	taskType task.TaskType
	keywords []string
}

// typeRules are checked in order; the first rule with a matching keyword wins.
var typeRules = []keywordRule{
	{task.TypeVideo, []string{"视频", "短片", "影片", "动画", "video", "clip", "movie", "animation", "film"}},
	{task.TypeImage, []string{"图", "照片", "海报", "插画", "绘画", "画一", "image", "picture", "photo", "poster", "logo", "illustration", "drawing", "banner"}},
	{task.TypeDocument, []string{"文档", "报告", "简历", "合同", "表格", "document", "pdf", "report", "resume", "contract", "spreadsheet", "slides"}},
	{task.TypeCode, []string{"代码", "程序", "函数", "脚本", "code", "program", "function", "bug", "refactor", "api"}},
	{task.TypeAudio, []string{"音频", "语音", "音乐", "播客", "转录", "audio", "voice", "music", "podcast", "transcribe", "speech"}},
	{task.TypeComposite, []string{"多个文件", "批量", "合并", "综合", "multiple files", "batch", "combine", "merge"}},
}

var (
	photoKeywords      = []string{"产品", "照片", "人像", "写实", "电商", "商品", "product", "photo", "portrait", "realistic", "photorealistic"}
	commercialKeywords = []string{"海报", "广告", "品牌", "营销", "宣传", "poster", "banner", "ad", "ads", "logo", "brand", "marketing", "campaign"}
)

// InferTaskType returns the primary task type of goal by keyword matching.
func InferTaskType(goal string) task.TaskType {
	words := tokenize(goal)
	for _, rule := range typeRules {
		if matchesAny(goal, words, rule.keywords) {
			return rule.taskType
		}
	}
	return task.TypeText
}

// ClassifyUseCase returns the use case of an image goal.
func ClassifyUseCase(goal string) UseCase {
	words := tokenize(goal)
	switch {
	case matchesAny(goal, words, photoKeywords):
		return UseCasePhotoCritical
	case matchesAny(goal, words, commercialKeywords):
		return UseCaseCommercial
	}
	return UseCaseGeneric
}

// tokenize splits s into lower-case words of letters and digits.
func tokenize(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = struct{}{}
	}
	return words
}

// matchesAny matches ASCII keywords against whole words (plural "s" allowed)
// and multi-word or non-ASCII keywords as substrings.
func matchesAny(goal string, words map[string]struct{}, keywords []string) bool {
	lower := strings.ToLower(goal)
	for _, kw := range keywords {
		if !isASCIIWord(kw) {
			if strings.Contains(lower, kw) {
				return true
			}
			continue
		}
		if _, ok := words[kw]; ok {
			return true
		}
		if _, ok := words[kw+"s"]; ok {
			return true
		}
	}
	return false
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// heuristic builds the rule-based plan.
func (p *Planner) heuristic(req Request, prefs Preferences) *task.Chain {
	taskType := req.PreferredType
	if _, ok := task.ParseTaskType(string(taskType)); !ok {
		taskType = InferTaskType(req.Goal)
	}

	var steps []task.Step
	switch taskType {
	case task.TypeImage:
		useCase := ClassifyUseCase(req.Goal)
		steps = []task.Step{
			{
				Type:        task.TypeText,
				Input:       objectInput(nil, "prompt", refinePrompt(req.Goal, useCase)),
				Description: "refine the image prompt",
			},
			{
				Type:        task.TypeImage,
				Model:       p.imageModel(useCase, prefs),
				DependsOn:   task.DependsOn(0),
				Input:       objectInput(req.Input, "size", "1024x1024"),
				Description: "generate the image (" + string(useCase) + ")",
			},
		}
	case task.TypeVideo:
		steps = []task.Step{
			{
				Type:        task.TypeText,
				Input:       objectInput(nil, "prompt", scriptPrompt(req.Goal)),
				Description: "write the video script",
			},
			{
				Type:        task.TypeImage,
				Model:       p.imageModel(UseCaseGeneric, prefs),
				DependsOn:   task.DependsOn(0),
				Input:       objectInput(nil, "size", "1280x720"),
				Description: "draw the storyboard frame",
			},
			{
				Type:        task.TypeVideo,
				DependsOn:   task.DependsOn(1),
				Input:       withFiles(objectInput(req.Input, "prompt", req.Goal), req.Files),
				Description: "render the video",
			},
		}
	default:
		steps = []task.Step{{
			Type:        taskType,
			Input:       withFiles(objectInput(req.Input, "prompt", req.Goal), req.Files),
			Description: string(taskType) + " generation",
		}}
	}

	return &task.Chain{
		Goal:     req.Goal,
		Steps:    steps,
		Priority: prefs.Priority,
		Budget:   prefs.Budget,
		Source:   SourceHeuristic,
	}
}

// imageModel picks the first enabled image model of the tier matching the use
// case. High quality preferences promote generic goals to the high-fidelity
// tier. An empty result leaves the choice to the recommender.
func (p *Planner) imageModel(useCase UseCase, prefs Preferences) string {
	var tiers [][]string
	switch {
	case useCase == UseCasePhotoCritical:
		tiers = [][]string{p.tiers.HighFidelity}
	case useCase == UseCaseCommercial:
		tiers = [][]string{p.tiers.Creative, p.tiers.General}
	case prefs.Quality >= 3:
		tiers = [][]string{p.tiers.HighFidelity, p.tiers.General}
	default:
		tiers = [][]string{p.tiers.General}
	}
	for _, tier := range tiers {
		for _, id := range tier {
			if p.registry == nil || p.registry.IsEnabledFor(id, task.TypeImage) {
				return id
			}
		}
	}
	return ""
}

func refinePrompt(goal string, useCase UseCase) string {
	var style string
	switch useCase {
	case UseCasePhotoCritical:
		style = "photorealistic, accurate materials and lighting, clean product-shot composition"
	case UseCaseCommercial:
		style = "bold commercial design, clear focal point, space for text"
	default:
		style = "vivid and detailed"
	}
	return "Rewrite the following request as a single detailed image generation prompt (" + style +
		"). Reply with the prompt only, in English.\n\nRequest: " + goal
}

func scriptPrompt(goal string) string {
	return "Write a short video script with one key visual scene for the following request. " +
		"Reply with a concise visual description suitable for a storyboard frame.\n\nRequest: " + goal
}

// objectInput returns base (a JSON object, or empty) with key set to value
// unless base already sets it.
func objectInput(base json.RawMessage, key string, value any) json.RawMessage {
	fields := make(map[string]any)
	if len(base) > 0 {
		_ = gojson.Unmarshal(base, &fields)
	}
	if _, set := fields[key]; !set {
		fields[key] = value
	}
	out, _ := gojson.Marshal(fields)
	return out
}

func withFiles(input json.RawMessage, files []string) json.RawMessage {
	if len(files) == 0 {
		return input
	}
	return objectInput(input, "files", files)
}
