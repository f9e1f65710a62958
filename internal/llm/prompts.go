package llm

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dyike/PolishGo/models"
)

// Task identifies a prompt template.
type Task string

const (
	TaskPolish          Task = "polish"
	TaskEnhance         Task = "enhance"
	TaskEmotionRewrite  Task = "emotion_rewrite"
	TaskCompressHistory Task = "compress_history"
)

// TaskForStage maps a pipeline stage onto its transformation template.
func TaskForStage(stage models.Stage) (Task, error) {
	switch stage {
	case models.StagePolish:
		return TaskPolish, nil
	case models.StageEnhance:
		return TaskEnhance, nil
	case models.StageEmotionRewrite:
		return TaskEmotionRewrite, nil
	default:
		return "", fmt.Errorf("llm: no template for stage %q", string(stage))
	}
}

// ParseTask validates a user supplied task name.
func ParseTask(name string) (Task, error) {
	switch t := Task(strings.TrimSpace(name)); t {
	case TaskPolish, TaskEnhance, TaskEmotionRewrite, TaskCompressHistory:
		return t, nil
	default:
		return "", fmt.Errorf("llm: unknown task %q", name)
	}
}

type Template struct {
	System     string `yaml:"system"`
	Guard      string `yaml:"guard"`
	UserPrefix string `yaml:"user_prefix"`
}

type Templates map[Task]Template

//go:embed prompts.yaml
var builtinPrompts []byte

var (
	defaultsOnce sync.Once
	defaults     Templates
	defaultsErr  error
)

// DefaultTemplates returns the embedded templates.
func DefaultTemplates() (Templates, error) {
	defaultsOnce.Do(func() {
		defaults, defaultsErr = LoadTemplates(builtinPrompts)
	})
	if defaultsErr != nil {
		return nil, defaultsErr
	}
	out := make(Templates, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	return out, nil
}

// LoadTemplates parses a YAML template document. Every task must be present.
func LoadTemplates(data []byte) (Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	for _, task := range []Task{TaskPolish, TaskEnhance, TaskEmotionRewrite, TaskCompressHistory} {
		if strings.TrimSpace(t[task].System) == "" {
			return nil, fmt.Errorf("prompt template %q is missing", task)
		}
	}
	return t, nil
}

// SystemPrompt returns the system turn for task. A non-empty custom prompt
// replaces the built-in instructions; the guard is kept either way.
func (t Templates) SystemPrompt(task Task, custom string) string {
	tpl := t[task]
	base := tpl.System
	if strings.TrimSpace(custom) != "" {
		base = custom
	}
	base = strings.TrimSpace(base)
	if tpl.Guard == "" {
		return base
	}
	return base + "\n\n" + tpl.Guard
}

// StageMessages assembles the request for one segment: prior history, the
// stage's system prompt, then the segment text as the user turn.
func StageMessages(history []Message, system, text string) []Message {
	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, history...)
	msgs = append(msgs, SystemMessage(system), UserMessage("\n\n"+text))
	return msgs
}
